package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"leakrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientWriteTimeout = 10 * time.Second

// Client is a relay connection used by the capture node and the operator.
type Client struct {
	conn      *websocket.Conn
	id        domain.PeerID
	writeMu   sync.Mutex
	messages  chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

// Dial connects to the relay and waits for it to assign an id.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	type result struct {
		id  domain.PeerID
		err error
	}
	idCh := make(chan result, 1)
	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				idCh <- result{err: err}
				return
			}
			if env.Type == TypeYourID && env.ID != "" {
				idCh <- result{id: env.ID}
				return
			}
		}
	}()

	var id domain.PeerID
	select {
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("waiting for peer id: %w", ctx.Err())
	case r := <-idCh:
		if r.err != nil {
			conn.Close()
			return nil, fmt.Errorf("waiting for peer id: %w", r.err)
		}
		id = r.id
	}

	c := &Client{
		conn:     conn,
		id:       id,
		messages: make(chan Envelope, 64),
		done:     make(chan struct{}),
		logger:   logger.With("peer_id", id),
	}
	go c.readLoop()
	c.logger.Infow("connected to relay", "url", url)
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infow("relay connection closed", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("malformed relay message", "error", err)
			continue
		}
		select {
		case c.messages <- env:
		case <-c.done:
			return
		}
	}
}

// ID is the id the relay assigned to this connection.
func (c *Client) ID() domain.PeerID { return c.id }

// Messages yields inbound envelopes and is closed when the connection drops.
func (c *Client) Messages() <-chan Envelope { return c.messages }

// Ready announces this peer as a receiver.
func (c *Client) Ready() error {
	return c.send(Envelope{Type: TypeReady})
}

// Signal sends payload to target through the relay.
func (c *Client) Signal(target domain.PeerID, payload SignalPayload) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return c.send(Envelope{Type: TypeSignal, Target: target, Message: msg})
}

func (c *Client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Close closes the connection. Messages is closed once the reader exits.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
