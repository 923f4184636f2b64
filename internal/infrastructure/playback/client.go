package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/daq"
	apperrors "leakrelay/pkg/errors"
	"leakrelay/pkg/retry"
)

// SelectResponse is the body of a successful POST /select_pixel.
type SelectResponse struct {
	Status    string `json:"status"`
	AudioData struct {
		Raw      []float64 `json:"raw"`
		Filtered []float64 `json:"filtered"`
	} `json:"audio_data"`
	SamplingRate int `json:"sampling_rate"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	IsAcquiring      bool            `json:"is_acquiring"`
	AudioServerReady bool            `json:"audio_server_ready"`
	Connected        string          `json:"connected,omitempty"`
	SelectedPixels   []PixelState    `json:"selected_pixels"`
	AudioStreams     map[string]bool `json:"audio_streams"`
}

// PixelState is one selected pixel as reported by /status.
type PixelState struct {
	X         int  `json:"x"`
	Y         int  `json:"y"`
	IsPlaying bool `json:"is_playing"`
}

type pixelRequest struct {
	X           int   `json:"x"`
	Y           int   `json:"y"`
	UseFiltered *bool `json:"use_filtered,omitempty"`
}

// Client talks to the playback collaborator over HTTP.
type Client struct {
	baseURL    string
	http       *http.Client
	retryDelay time.Duration
	logger     *zap.SugaredLogger
}

func NewClient(baseURL string, timeout, retryDelay time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Connect asks the collaborator to start acquiring from the capture host.
func (c *Client) Connect(ctx context.Context, address string) error {
	return c.do(ctx, http.MethodPost, "/connect", map[string]string{"piIp": address}, nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/disconnect", struct{}{}, nil)
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

func (c *Client) Heatmap(ctx context.Context) (domain.HeatmapFrame, error) {
	var resp daq.HeatmapResponse
	if err := c.do(ctx, http.MethodGet, "/heatmap", nil, &resp); err != nil {
		return domain.HeatmapFrame{}, err
	}
	f := domain.HeatmapFrame{Cells: resp.Heatmap, Timestamp: time.Now()}
	if resp.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(int64(resp.Timestamp * 1000))
	}
	return f, nil
}

// SelectPixel selects p and returns its audio snapshot and sample rate.
// A collaborator that is still warming up gets one more try after the retry
// delay; if it is still not ready the result is domain.ErrNotReady.
func (c *Client) SelectPixel(ctx context.Context, p domain.Pixel) (domain.AudioSnapshot, int, error) {
	resp, err := retry.Once(ctx, c.retryDelay, isNotReady, func() (SelectResponse, error) {
		var resp SelectResponse
		err := c.do(ctx, http.MethodPost, "/select_pixel", pixelRequest{X: p.X, Y: p.Y}, &resp)
		if isNotReady(err) {
			c.logger.Debugw("select not ready", "x", p.X, "y", p.Y, "error", err)
		}
		return resp, err
	})
	if err != nil {
		if isNotReady(err) {
			return domain.AudioSnapshot{}, 0, fmt.Errorf("select %s: %w", p, domain.ErrNotReady)
		}
		return domain.AudioSnapshot{}, 0, fmt.Errorf("select %s: %w", p, err)
	}
	snap := domain.AudioSnapshot{Pixel: p, Raw: resp.AudioData.Raw, Filtered: resp.AudioData.Filtered}
	return snap, resp.SamplingRate, nil
}

func (c *Client) DeselectPixel(ctx context.Context, p domain.Pixel) error {
	err := c.do(ctx, http.MethodPost, "/deselect_pixel", pixelRequest{X: p.X, Y: p.Y}, nil)
	if appErr := apperrors.GetAppError(err); appErr != nil && appErr.HTTPStatus == http.StatusBadRequest {
		return fmt.Errorf("deselect %s: %w: %s", p, domain.ErrNotSelected, appErr.Message)
	}
	return err
}

// Play toggles playback of p and reports whether it is now playing.
func (c *Client) Play(ctx context.Context, p domain.Pixel) (bool, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/play", pixelRequest{X: p.X, Y: p.Y}, &resp); err != nil {
		return false, err
	}
	return resp.Status == "playing", nil
}

func isNotReady(err error) bool {
	return errors.Is(err, domain.ErrNotReady) || apperrors.IsUnavailable(err)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, apperrors.FromStatus(resp.StatusCode, readMessage(resp.Body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
