package realtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateContext(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{name: "under bound", text: "short", max: 10, want: "short"},
		{name: "exactly at bound", text: "12345", max: 5, want: "12345"},
		{name: "over bound", text: "123456", max: 5, want: "12345" + TruncationMarker},
		{name: "zero bound", text: "anything", max: 0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateContext(tt.text, tt.max))
		})
	}
}

func TestTruncateContextLength(t *testing.T) {
	long := strings.Repeat("x", MaxVoiceContextLen+500)
	got := TruncateContext(long, MaxVoiceContextLen)
	assert.LessOrEqual(t, len([]rune(got)), MaxVoiceContextLen+len([]rune(TruncationMarker)))
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
}

func TestInstructions(t *testing.T) {
	var nilDoc *DocumentContext
	assert.Equal(t, "base prompt", nilDoc.Instructions("base prompt", true))

	empty := &DocumentContext{DocumentID: "d1"}
	assert.Equal(t, "base prompt", empty.Instructions("base prompt", true))

	doc := &DocumentContext{DocumentID: "d1", Content: "chapter one"}
	got := doc.Instructions("base prompt", true)
	assert.Contains(t, got, "base prompt")
	assert.Contains(t, got, "chapter one")
}

func TestInstructionsVoiceBound(t *testing.T) {
	doc := &DocumentContext{
		DocumentID: "d1",
		Content:    strings.Repeat("a", MaxInstructionContextLen+1),
	}

	voice := doc.Instructions("", true)
	assert.Contains(t, voice, TruncationMarker)
	assert.Less(t, len(voice), MaxVoiceContextLen+256)

	text := doc.Instructions("", false)
	assert.Contains(t, text, TruncationMarker)
	assert.Greater(t, len(text), MaxVoiceContextLen+256)
}
