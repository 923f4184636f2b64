// Package protocol defines the JSON messages exchanged on the "heatmap" data
// channel between the capture node and an operator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"leakrelay/internal/core/domain"
)

// Label is the data channel all messages travel on.
const Label = "heatmap"

// Kind is the "type" discriminator of a message.
type Kind string

const (
	KindHeatmap      Kind = "heatmap"
	KindPixel        Kind = "pixel"
	KindDeselect     Kind = "deselect"
	KindGetAudioData Kind = "getAudioData"
	KindAudioBuffer  Kind = "audioBuffer"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is one of Heatmap, PixelSelect, Deselect, AudioRequest or AudioBuffer.
type Message interface {
	Kind() Kind
}

// Heatmap carries a directional-energy grid indexed [row][col].
type Heatmap struct {
	Cells     [][]float64
	Timestamp int64 // unix milliseconds, 0 when unknown
}

// PixelSelect asks the node to steer the beam at a pixel.
type PixelSelect struct {
	domain.Pixel
	Mode domain.Mode
}

// Deselect clears the active selection.
type Deselect struct {
	domain.Pixel
}

// AudioRequest asks for a one-shot audio snapshot of a pixel.
type AudioRequest struct {
	domain.Pixel
}

// AudioBuffer answers an AudioRequest. Empty series mean not ready.
type AudioBuffer struct {
	domain.Pixel
	Raw      []float64
	Filtered []float64
}

func (Heatmap) Kind() Kind      { return KindHeatmap }
func (PixelSelect) Kind() Kind  { return KindPixel }
func (Deselect) Kind() Kind     { return KindDeselect }
func (AudioRequest) Kind() Kind { return KindGetAudioData }
func (AudioBuffer) Kind() Kind  { return KindAudioBuffer }

// Ready reports whether the buffer carries audio.
func (b AudioBuffer) Ready() bool {
	return len(b.Raw) > 0 || len(b.Filtered) > 0
}

// NewHeatmap converts a domain frame for the wire.
func NewHeatmap(f domain.HeatmapFrame) Heatmap {
	var ts int64
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.UnixMilli()
	}
	return Heatmap{Cells: f.Cells, Timestamp: ts}
}

// Frame converts the message back into a domain frame.
func (h Heatmap) Frame() domain.HeatmapFrame {
	f := domain.HeatmapFrame{Cells: h.Cells}
	if h.Timestamp != 0 {
		f.Timestamp = time.UnixMilli(h.Timestamp)
	}
	return f
}

type heatmapWire struct {
	Type      Kind        `json:"type"`
	Heatmap   [][]float64 `json:"heatmap"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type pixelWire struct {
	Type Kind        `json:"type"`
	X    int         `json:"x"`
	Y    int         `json:"y"`
	Mode domain.Mode `json:"mode,omitempty"`
}

type audioBufferWire struct {
	Type     Kind      `json:"type"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Raw      []float64 `json:"raw"`
	Filtered []float64 `json:"filtered"`
}

// Encode serializes a message with its "type" tag.
func Encode(m Message) ([]byte, error) {
	var v interface{}
	switch msg := m.(type) {
	case Heatmap:
		v = heatmapWire{Type: KindHeatmap, Heatmap: msg.Cells, Timestamp: msg.Timestamp}
	case PixelSelect:
		mode := msg.Mode
		if mode == "" {
			mode = domain.ModeProcessed
		}
		v = pixelWire{Type: KindPixel, X: msg.X, Y: msg.Y, Mode: mode}
	case Deselect:
		v = pixelWire{Type: KindDeselect, X: msg.X, Y: msg.Y}
	case AudioRequest:
		v = pixelWire{Type: KindGetAudioData, X: msg.X, Y: msg.Y}
	case AudioBuffer:
		v = audioBufferWire{
			Type:     KindAudioBuffer,
			X:        msg.X,
			Y:        msg.Y,
			Raw:      nonNil(msg.Raw),
			Filtered: nonNil(msg.Filtered),
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownKind, m)
	}
	return json.Marshal(v)
}

func nonNil(s []float64) []float64 {
	if s == nil {
		return []float64{}
	}
	return s
}

type envelope struct {
	Type      *Kind           `json:"type"`
	Heatmap   json.RawMessage `json:"heatmap"`
	Timestamp int64           `json:"timestamp"`
	X         *int            `json:"x"`
	Y         *int            `json:"y"`
	Mode      string          `json:"mode"`
	Raw       []float64       `json:"raw"`
	Filtered  []float64       `json:"filtered"`
}

// Decode parses and validates one data-channel message. Untagged messages are
// accepted in their older shapes: a bare {"heatmap":...} is a heatmap and a
// bare {"x","y"} is a deselect.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, err := env.kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindHeatmap:
		return decodeHeatmap(env)
	case KindPixel:
		p, err := env.pixel()
		if err != nil {
			return nil, err
		}
		mode, err := domain.ParseMode(env.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return PixelSelect{Pixel: p, Mode: mode}, nil
	case KindDeselect:
		p, err := env.pixel()
		if err != nil {
			return nil, err
		}
		return Deselect{Pixel: p}, nil
	case KindGetAudioData:
		p, err := env.pixel()
		if err != nil {
			return nil, err
		}
		return AudioRequest{Pixel: p}, nil
	case KindAudioBuffer:
		p, err := env.pixel()
		if err != nil {
			return nil, err
		}
		return AudioBuffer{Pixel: p, Raw: nonNil(env.Raw), Filtered: nonNil(env.Filtered)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (e envelope) kind() (Kind, error) {
	if e.Type != nil {
		return *e.Type, nil
	}
	if len(e.Heatmap) > 0 {
		return KindHeatmap, nil
	}
	if e.X != nil && e.Y != nil {
		return KindDeselect, nil
	}
	return "", fmt.Errorf("%w: untagged message without heatmap or coordinates", ErrUnknownKind)
}

func (e envelope) pixel() (domain.Pixel, error) {
	if e.X == nil || e.Y == nil {
		return domain.Pixel{}, fmt.Errorf("%w: x and y are required", ErrInvalidMessage)
	}
	return domain.Pixel{X: *e.X, Y: *e.Y}, nil
}

func decodeHeatmap(env envelope) (Message, error) {
	if len(env.Heatmap) == 0 {
		return nil, fmt.Errorf("%w: heatmap is required", ErrInvalidMessage)
	}
	var cells [][]float64
	if err := json.Unmarshal(env.Heatmap, &cells); err != nil {
		return nil, fmt.Errorf("%w: heatmap: %v", ErrMalformed, err)
	}
	if err := ValidateCells(cells); err != nil {
		return nil, err
	}
	return Heatmap{Cells: cells, Timestamp: env.Timestamp}, nil
}

// ValidateCells checks that a grid is rectangular with non-negative finite
// values.
func ValidateCells(cells [][]float64) error {
	if len(cells) == 0 {
		return fmt.Errorf("%w: heatmap has no rows", ErrInvalidMessage)
	}
	width := len(cells[0])
	for r, row := range cells {
		if len(row) != width {
			return fmt.Errorf("%w: heatmap row %d has %d cells, want %d", ErrInvalidMessage, r, len(row), width)
		}
		for c, v := range row {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: heatmap cell (%d,%d) = %v", ErrInvalidMessage, c, r, v)
			}
		}
	}
	return nil
}
