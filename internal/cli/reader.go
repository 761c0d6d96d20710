package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrInputCancelled is returned when input is canceled by context.
var ErrInputCancelled = errors.New("input canceled")

type lineResult struct {
	err   error
	value string
}

// LineReader reads operator input line by line and gives up when the context
// ends. A read abandoned by cancellation is handed to the next call instead
// of being lost.
type LineReader struct {
	reader  *bufio.Reader
	pending chan lineResult
	mu      sync.Mutex
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	if r == nil {
		panic("reader cannot be nil")
	}
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns the next line without its trailing whitespace.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ErrInputCancelled
	}

	r.mu.Lock()
	if r.pending == nil {
		ch := make(chan lineResult, 1)
		r.pending = ch
		go func() {
			value, err := r.reader.ReadString('\n')
			ch <- lineResult{value: value, err: err}
		}()
	}
	ch := r.pending
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ErrInputCancelled
	case res := <-ch:
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()

		if res.err != nil && !(errors.Is(res.err, io.EOF) && res.value != "") {
			return "", res.err
		}
		return strings.TrimSpace(res.value), nil
	}
}

// Ask writes prompt to w and reads the answer.
func (r *LineReader) Ask(ctx context.Context, w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, FormatPrompt(prompt)); err != nil {
		return "", err
	}
	return r.ReadLine(ctx)
}
