package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrConnectionLost   = errors.New("connection lost before reply")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrUnknownEvent     = errors.New("unknown event type")
)
