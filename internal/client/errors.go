package client

import "errors"

var (
	ErrConnectionTimeout   = errors.New("connection timed out")
	ErrSocketClosed        = errors.New("socket closed")
	ErrMaxAttemptsExceeded = errors.New("max reconnect attempts exceeded")
)
