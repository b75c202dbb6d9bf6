package realtime

import "strings"

// Context length bounds for session instructions. The voice variant is
// shorter since the whole prompt is re-spoken into the model on every
// session.update.
const (
	MaxInstructionContextLen = 10000
	MaxVoiceContextLen       = 8000
	TruncationMarker         = "\n[...document truncated]"
)

// DocumentContext is the document-derived grounding text pushed into the live
// session. The caller owns it; the session reads it when building
// instructions.
type DocumentContext struct {
	DocumentID string
	Content    string
}

// TruncateContext bounds text to max runes and appends the truncation marker
// when anything was cut.
func TruncateContext(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + TruncationMarker
}

// Instructions builds the session instruction text from a base prompt and the
// current document context. voice selects the shorter bound used for spoken
// sessions.
func (d *DocumentContext) Instructions(base string, voice bool) string {
	if d == nil || d.Content == "" {
		return base
	}
	max := MaxInstructionContextLen
	if voice {
		max = MaxVoiceContextLen
	}
	var b strings.Builder
	b.WriteString(base)
	if base != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Use the following document content to ground your answers:\n\n")
	b.WriteString(TruncateContext(d.Content, max))
	return b.String()
}
