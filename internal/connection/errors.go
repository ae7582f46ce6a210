package connection

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidPayload   = errors.New("payload cannot be marshaled to JSON")
	ErrWriteTimeout     = errors.New("write timed out")
)
