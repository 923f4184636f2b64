package playback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"leakrelay/internal/core/domain"
	apperrors "leakrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(url string) *Client {
	return NewClient(url, time.Second, 10*time.Millisecond, zap.NewNop().Sugar())
}

func TestSelectPixel_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/select_pixel", r.URL.Path)
		var req pixelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.X)
		assert.Equal(t, 1, req.Y)
		_, _ = w.Write([]byte(`{"status":"success","audio_data":{"raw":[0.5,-0.5],"filtered":[0.1]},"sampling_rate":51200}`))
	}))
	defer srv.Close()

	snap, rate, err := newTestClient(srv.URL).SelectPixel(context.Background(), domain.Pixel{X: 3, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, 51200, rate)
	assert.Equal(t, domain.Pixel{X: 3, Y: 1}, snap.Pixel)
	assert.Equal(t, []float64{0.5, -0.5}, snap.Raw)
	assert.Equal(t, []float64{0.1}, snap.Filtered)
}

func TestSelectPixel_RetriesOnceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"warming up"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","audio_data":{"raw":[1],"filtered":[1]},"sampling_rate":8000}`))
	}))
	defer srv.Close()

	snap, _, err := newTestClient(srv.URL).SelectPixel(context.Background(), domain.Pixel{})
	require.NoError(t, err)
	assert.True(t, snap.Ready())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSelectPixel_SecondUnavailableIsNotReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv.URL).SelectPixel(context.Background(), domain.Pixel{X: 1})
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSelectPixel_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid coordinates: (99, 0)"}`))
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv.URL).SelectPixel(context.Background(), domain.Pixel{X: 99})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotReady)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Contains(t, appErr.Message, "Invalid coordinates")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeselectPixel_NotSelected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Pixel not selected"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).DeselectPixel(context.Background(), domain.Pixel{})
	assert.ErrorIs(t, err, domain.ErrNotSelected)
}

func TestPlay_Toggle(t *testing.T) {
	var playing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if playing.CompareAndSwap(false, true) {
			_, _ = w.Write([]byte(`{"status":"playing"}`))
			return
		}
		playing.Store(false)
		_, _ = w.Write([]byte(`{"status":"stopped"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	on, err := c.Play(context.Background(), domain.Pixel{})
	require.NoError(t, err)
	assert.True(t, on)
	on, err = c.Play(context.Background(), domain.Pixel{})
	require.NoError(t, err)
	assert.False(t, on)
}

func TestConnect_SendsAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connect", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10.0.0.7", body["piIp"])
		_, _ = w.Write([]byte(`{"status":"connected"}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Connect(context.Background(), "10.0.0.7"))
}

func TestHeatmapAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/heatmap":
			_, _ = w.Write([]byte(`{"heatmap":[[0,1]],"timestamp":1700000000}`))
		case "/status":
			_, _ = w.Write([]byte(`{"is_acquiring":true,"audio_server_ready":true,"selected_pixels":[{"x":1,"y":2,"is_playing":true}]}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	f, err := c.Heatmap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Grid{Width: 2, Height: 1}, f.Dimensions())

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.AudioServerReady)
	require.Len(t, st.SelectedPixels, 1)
	assert.True(t, st.SelectedPixels[0].IsPlaying)
}
