package http

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/core/ports"
	apperrors "leakrelay/pkg/errors"
	"leakrelay/pkg/spatial"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AudioFeed is the microphone stream the simulator serves from.
type AudioFeed interface {
	Head() uint64
	Latest(n int) [][]float64
	Channels() int
	SampleRate() int
}

type DAQConfig struct {
	Grid            domain.Grid
	ChunkSamples    int
	SnapshotSamples int
	CutoffHz        float64
	WarmUp          time.Duration
}

type pixelState struct {
	playing bool
}

// DAQHandler serves the acquisition and playback collaborator API on top of a
// local audio feed.
type DAQHandler struct {
	feed     AudioFeed
	heatmaps ports.HeatmapSource
	cfg      DAQConfig
	started  time.Time
	now      func() time.Time

	mu        sync.Mutex
	connected string
	selected  map[domain.Pixel]*pixelState

	logger *zap.SugaredLogger
}

var _ ports.DAQHandler = (*DAQHandler)(nil)

func NewDAQHandler(cfg DAQConfig, feed AudioFeed, heatmaps ports.HeatmapSource, logger *zap.SugaredLogger) *DAQHandler {
	if cfg.SnapshotSamples <= 0 {
		cfg.SnapshotSamples = feed.SampleRate()
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = feed.SampleRate() / 10
	}
	return &DAQHandler{
		feed:     feed,
		heatmaps: heatmaps,
		cfg:      cfg,
		started:  time.Now(),
		now:      time.Now,
		selected: make(map[domain.Pixel]*pixelState),
		logger:   logger,
	}
}

func (h *DAQHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/heatmap", h.Heatmap)
	router.GET("/audio_data", h.AudioData)
	router.GET("/status", h.Status)
	router.POST("/connect", h.Connect)
	router.POST("/disconnect", h.Disconnect)
	router.POST("/select_pixel", h.SelectPixel)
	router.POST("/deselect_pixel", h.DeselectPixel)
	router.POST("/play", h.Play)
}

func (h *DAQHandler) ready() bool {
	return h.now().Sub(h.started) >= h.cfg.WarmUp
}

func (h *DAQHandler) Heatmap(c *gin.Context) {
	frame, ok := h.heatmaps.Heatmap()
	if !ok {
		_ = c.Error(apperrors.NewServiceUnavailableError("No heatmap data available"))
		return
	}
	dims := frame.Dimensions()
	c.JSON(http.StatusOK, gin.H{
		"heatmap":   frame.Cells,
		"timestamp": float64(frame.Timestamp.UnixMilli()) / 1000,
		"dimensions": gin.H{
			"width":  dims.Width,
			"height": dims.Height,
		},
	})
}

func (h *DAQHandler) AudioData(c *gin.Context) {
	seq := h.feed.Head()
	if seq == 0 {
		_ = c.Error(apperrors.NewServiceUnavailableError("No audio data available"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audio_data":    h.feed.Latest(h.cfg.ChunkSamples),
		"sampling_rate": h.feed.SampleRate(),
		"sequence":      seq,
	})
}

func (h *DAQHandler) Connect(c *gin.Context) {
	var req struct {
		PiIP string `json:"piIp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("Missing piIp"))
		return
	}

	h.mu.Lock()
	h.connected = req.PiIP
	h.mu.Unlock()

	h.logger.Infow("capture host connected", "address", req.PiIP)
	c.JSON(http.StatusOK, gin.H{"status": "connected", "piIp": req.PiIP})
}

func (h *DAQHandler) Disconnect(c *gin.Context) {
	h.mu.Lock()
	h.connected = ""
	h.selected = make(map[domain.Pixel]*pixelState)
	h.mu.Unlock()

	h.logger.Infow("capture host disconnected")
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *DAQHandler) Status(c *gin.Context) {
	h.mu.Lock()
	pixels := make([]domain.Pixel, 0, len(h.selected))
	for p := range h.selected {
		pixels = append(pixels, p)
	}
	sort.Slice(pixels, func(i, j int) bool {
		if pixels[i].Y != pixels[j].Y {
			return pixels[i].Y < pixels[j].Y
		}
		return pixels[i].X < pixels[j].X
	})
	selected := make([]gin.H, 0, len(pixels))
	streams := make(map[string]bool, len(pixels))
	for _, p := range pixels {
		playing := h.selected[p].playing
		selected = append(selected, gin.H{"x": p.X, "y": p.Y, "is_playing": playing})
		streams[p.String()] = playing
	}
	connected := h.connected
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"is_acquiring":       h.feed.Head() > 0,
		"audio_server_ready": h.ready(),
		"connected":          connected,
		"selected_pixels":    selected,
		"audio_streams":      streams,
	})
}

type pixelRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// bindPixel decodes {x,y}. It attaches a 400 to c and returns false when
// either coordinate is missing.
func bindPixel(c *gin.Context) (domain.Pixel, bool) {
	var req pixelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.X == nil || req.Y == nil {
		_ = c.Error(apperrors.NewInvalidInputError("Missing x or y coordinates"))
		return domain.Pixel{}, false
	}
	return domain.Pixel{X: *req.X, Y: *req.Y}, true
}

func (h *DAQHandler) SelectPixel(c *gin.Context) {
	p, ok := bindPixel(c)
	if !ok {
		return
	}
	grid := h.cfg.Grid
	if !grid.Contains(p) {
		_ = c.Error(apperrors.NewInvalidInputError(fmt.Sprintf(
			"Invalid coordinates: (%d, %d). Must be within 0-%d range for x and 0-%d range for y.",
			p.X, p.Y, grid.Width-1, grid.Height-1)).
			WithContext("max_x", grid.Width-1).
			WithContext("max_y", grid.Height-1))
		return
	}
	if !h.ready() {
		_ = c.Error(apperrors.NewServiceUnavailableError("Audio server is not ready. Please wait a few seconds and try again."))
		return
	}

	snap := h.snapshot(p)
	if !snap.Ready() {
		_ = c.Error(apperrors.NewServiceUnavailableError("Audio buffer is empty. Please wait for data to start flowing."))
		return
	}

	h.mu.Lock()
	if _, exists := h.selected[p]; !exists {
		h.selected[p] = &pixelState{}
	}
	h.mu.Unlock()

	h.logger.Infow("pixel selected", "x", p.X, "y", p.Y, "samples", len(snap.Raw))
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"audio_data": gin.H{
			"raw":      snap.Raw,
			"filtered": snap.Filtered,
		},
		"sampling_rate": h.feed.SampleRate(),
	})
}

// snapshot steers the array at p over the latest samples.
func (h *DAQHandler) snapshot(p domain.Pixel) domain.AudioSnapshot {
	samples := h.feed.Latest(h.cfg.SnapshotSamples)
	if len(samples) == 0 {
		return domain.AudioSnapshot{Pixel: p}
	}
	theta, phi := spatial.PipeAngles(p.X, p.Y, h.cfg.Grid.Width, h.cfg.Grid.Height)
	weights := spatial.BeamWeights(h.feed.Channels(), theta, phi)
	raw := spatial.NormalizeAmplitude(spatial.ApplyBeam(samples, weights))
	filtered := spatial.NormalizeAmplitude(spatial.LowPass(raw, float64(h.feed.SampleRate()), h.cfg.CutoffHz))
	return domain.AudioSnapshot{Pixel: p, Raw: raw, Filtered: filtered}
}

func (h *DAQHandler) DeselectPixel(c *gin.Context) {
	p, ok := bindPixel(c)
	if !ok {
		return
	}

	h.mu.Lock()
	_, exists := h.selected[p]
	delete(h.selected, p)
	h.mu.Unlock()

	if !exists {
		h.logger.Warnw("deselect of unselected pixel", "x", p.X, "y", p.Y)
		_ = c.Error(apperrors.NewInvalidInputError("Pixel not selected"))
		return
	}
	h.logger.Infow("pixel deselected", "x", p.X, "y", p.Y)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Play toggles the playing flag of a selected pixel.
func (h *DAQHandler) Play(c *gin.Context) {
	p, ok := bindPixel(c)
	if !ok {
		return
	}

	h.mu.Lock()
	st, exists := h.selected[p]
	playing := false
	if exists {
		st.playing = !st.playing
		playing = st.playing
	}
	h.mu.Unlock()

	if !exists {
		_ = c.Error(apperrors.NewInvalidInputError("Pixel not selected"))
		return
	}
	status := "stopped"
	if playing {
		status = "playing"
	}
	h.logger.Infow("playback toggled", "x", p.X, "y", p.Y, "status", status)
	c.JSON(http.StatusOK, gin.H{"status": status})
}
