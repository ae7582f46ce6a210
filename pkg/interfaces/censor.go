package interfaces

// Censor masks profanity in chat text before fan-out. Implementations must
// be pure string transforms, safe for concurrent use.
type Censor interface {
	Mask(text string) string
}
