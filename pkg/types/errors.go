package types

import "errors"

var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName = errors.New("display name must be 1-100 characters")
	ErrInvalidGroupTitle  = errors.New("group title must be 1-200 characters")
	ErrInvalidMediaItem   = errors.New("media item missing id, playlist or has negative duration")
)
