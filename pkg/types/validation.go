package types

import "regexp"

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID reports whether id is usable as a stable external user key:
// 1-50 characters, alphanumeric plus underscore and hyphen.
func IsValidUserID(id string) bool {
	return len(id) >= 1 && len(id) <= 50 && userIDRegex.MatchString(id)
}

// Validate checks the fields a provisioning call must supply.
func (u *User) Validate() error {
	if !IsValidUserID(u.UserID) {
		return ErrInvalidUserID
	}
	if len(u.Name) < 1 || len(u.Name) > 100 {
		return ErrInvalidDisplayName
	}
	return nil
}

// Validate checks group fields before persistence.
func (g *Group) Validate() error {
	if len(g.Title) < 1 || len(g.Title) > 200 {
		return ErrInvalidGroupTitle
	}
	return nil
}

// Validate checks catalog fields before persistence.
func (m *MediaItem) Validate() error {
	if m.MediaID == "" || m.PlaylistID == "" {
		return ErrInvalidMediaItem
	}
	if m.Duration < 0 {
		return ErrInvalidMediaItem
	}
	return nil
}
