package shared

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type writeCloser struct {
	w io.WriteCloser
}

// NewWriteCloser wraps an io.WriteCloser as a transcript sink.
func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &writeCloser{w: w}
}

func (wc *writeCloser) WriteString(s string) (int, error) {
	return wc.w.Write([]byte(s))
}

func (wc *writeCloser) Close() error {
	return wc.w.Close()
}

// Transcript accumulates speaker-tagged conversation lines and fans each line
// out to the registered sinks. Lines are kept in memory so the caller can
// render or persist the full conversation later.
type Transcript struct {
	mu    sync.Mutex
	lines []string
	hooks []StringWriteCloser
}

func NewTranscript(hooks ...StringWriteCloser) (*Transcript, error) {
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil transcript sink is given")
		}
	}
	return &Transcript{hooks: hooks}, nil
}

// Agent records a line spoken by the remote model.
func (t *Transcript) Agent(text string) error {
	return t.append("Agent: " + text)
}

// User records a line transcribed from the local microphone.
func (t *Transcript) User(text string) error {
	return t.append("You: " + text)
}

func (t *Transcript) append(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	for _, hook := range t.hooks {
		if _, err := hook.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("on writing to transcript sink: %w", err)
		}
	}
	return nil
}

// Lines returns a copy of the accumulated transcript.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hook := range t.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing transcript sink: %w", err)
		}
	}
	return nil
}
