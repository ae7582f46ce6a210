package censor

import "strings"

// Censor masks configured bad words anywhere they appear in chat text
// (substring matching, case-insensitive). Whitelisted words are never
// masked, even when a bad word is embedded inside them.
type Censor struct {
	words     []string
	whitelist []string
	grawlix   string
}

// New builds a censor from word lists. An empty word list yields a
// pass-through censor.
func New(words, whitelist []string, grawlix string) *Censor {
	if grawlix == "" {
		grawlix = "*****"
	}
	return &Censor{
		words:     lowerAll(words),
		whitelist: lowerAll(whitelist),
		grawlix:   grawlix,
	}
}

// Mask replaces every bad-word occurrence in text with the grawlix.
func (c *Censor) Mask(text string) string {
	if len(c.words) == 0 {
		return text
	}

	lower := strings.ToLower(text)
	protected := c.protectedRanges(lower)

	var b strings.Builder
	i := 0
	for i < len(text) {
		word, ok := c.badWordAt(lower, i, protected)
		if !ok {
			b.WriteByte(text[i])
			i++
			continue
		}
		b.WriteString(c.grawlix)
		i += len(word)
	}
	return b.String()
}

// protectedRanges marks every byte covered by a whitelist occurrence.
func (c *Censor) protectedRanges(lower string) []bool {
	if len(c.whitelist) == 0 {
		return nil
	}
	protected := make([]bool, len(lower))
	for _, white := range c.whitelist {
		for from := 0; ; {
			idx := strings.Index(lower[from:], white)
			if idx < 0 {
				break
			}
			start := from + idx
			for j := start; j < start+len(white); j++ {
				protected[j] = true
			}
			from = start + 1
		}
	}
	return protected
}

func (c *Censor) badWordAt(lower string, i int, protected []bool) (string, bool) {
	if protected != nil && protected[i] {
		return "", false
	}
	for _, word := range c.words {
		if strings.HasPrefix(lower[i:], word) {
			return word, true
		}
	}
	return "", false
}

func lowerAll(words []string) []string {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			lowered = append(lowered, strings.ToLower(w))
		}
	}
	return lowered
}
