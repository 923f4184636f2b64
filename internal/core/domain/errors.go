package domain

import "errors"

var (
	ErrPeerNotFound   = errors.New("peer not found")
	ErrNotReady       = errors.New("audio not ready")
	ErrInvalidPixel   = errors.New("pixel outside grid")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrSessionClosed  = errors.New("session closed")
	ErrChannelNotOpen = errors.New("data channel not open")
	ErrNotSelected    = errors.New("pixel not selected")
)
