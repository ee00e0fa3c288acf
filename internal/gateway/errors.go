package gateway

import "errors"

// Push channel errors
var (
	ErrConnClosed       = errors.New("socket: connection closed")
	ErrWriteChannelFull = errors.New("socket: write channel full")
	ErrInvalidProtocol  = errors.New("socket: invalid frame")
	ErrNotConnected     = errors.New("socket: not connected")
	ErrPanic            = errors.New("socket: read loop panic")
)
