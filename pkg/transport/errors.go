package transport

import "errors"

var (
	ErrNotConnected    = errors.New("transport not connected")
	ErrDialFailed      = errors.New("websocket dial failed")
	ErrInvalidURL      = errors.New("invalid broker url")
	ErrInvalidProxy    = errors.New("invalid proxy url")
	ErrIncompleteFrame = errors.New("incomplete mqtt frame")
)
