package session

import "errors"

// Authentication failures per the registry's token contract. All of them
// deny the connection; none are retried automatically.
var (
	ErrMalformedToken  = errors.New("token must be of the form userId|connectionKey")
	ErrUnknownIdentity = errors.New("no pending handshake for this identity")
	ErrKeyMismatch     = errors.New("connection key does not match the most recently issued handshake")
)
