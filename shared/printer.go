package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer fans indented, line-oriented output out to every hook. It is safe
// for concurrent use; one call never interleaves with another.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{
		indStr: indentString,
		hooks:  hooks,
	}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind, false)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind, true)
}

func (p *Printer) write(s string, ind int, newline bool) error {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(indent)
		b.WriteString(line)
	}
	if newline {
		b.WriteString("\n")
	}
	out := b.String()
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(out); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
