package daq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/pkg/circuitbreaker"
	apperrors "leakrelay/pkg/errors"
)

// HeatmapResponse is the body of GET /heatmap.
type HeatmapResponse struct {
	Heatmap    [][]float64  `json:"heatmap"`
	Timestamp  float64      `json:"timestamp,omitempty"`
	Dimensions *domain.Grid `json:"dimensions,omitempty"`
}

// AudioResponse is the body of GET /audio_data.
type AudioResponse struct {
	AudioData    [][]float64 `json:"audio_data"`
	SamplingRate int         `json:"sampling_rate"`
	Sequence     uint64      `json:"sequence,omitempty"`
}

// Client reads frames from the acquisition service. Once the service keeps
// failing, calls fail fast with circuitbreaker.ErrOpen until a probe succeeds.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(breakerConfig()),
	}
}

func breakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrNotReady) && !errors.Is(err, context.Canceled)
	}
	return cfg
}

// OnBreakerChange reports circuit transitions, for logging.
func (c *Client) OnBreakerChange(fn func(from, to circuitbreaker.State)) {
	c.breaker.OnStateChange(fn)
}

// Heatmap fetches the latest heatmap. A 503 means no frame has been computed
// yet and is reported as domain.ErrNotReady.
func (c *Client) Heatmap(ctx context.Context) (domain.HeatmapFrame, error) {
	var resp HeatmapResponse
	if err := c.get(ctx, "/heatmap", &resp); err != nil {
		return domain.HeatmapFrame{}, err
	}
	f := domain.HeatmapFrame{Cells: resp.Heatmap, Timestamp: time.Now()}
	if resp.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(int64(resp.Timestamp * 1000))
	}
	return f, nil
}

// AudioData fetches the latest multichannel block.
func (c *Client) AudioData(ctx context.Context) (AudioResponse, error) {
	var resp AudioResponse
	if err := c.get(ctx, "/audio_data", &resp); err != nil {
		return AudioResponse{}, err
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.breaker.Execute(func() error { return c.fetch(ctx, path, out) })
}

func (c *Client) fetch(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("get %s: %w", path, domain.ErrNotReady)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("get %s: %w", path, apperrors.FromStatus(resp.StatusCode, readMessage(resp.Body)))
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
