// Package childproc runs a child script with a control channel and turns its
// exit status into a result.
package childproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Child file descriptors the Protocol knows about.
const (
	FDStdout  = 1
	FDStderr  = 2
	FDControl = 3
)

// LineHandler is called with each complete control-channel line, trailing
// newline included. Replies written to w reach the child's stdin.
type LineHandler func(w io.Writer, line []byte)

// ExitError reports a child that exited with a nonzero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("child exited with code %d", e.Code)
}

// Protocol owns the streams of one child process. It is not reused across
// runs.
type Protocol struct {
	handler LineHandler
	stdout  io.Writer
	stderr  io.Writer

	mu  sync.Mutex
	buf []byte

	stdinMu sync.Mutex
	stdin   io.Writer

	done chan struct{}
	once sync.Once
	err  error
}

// New returns a Protocol passing control lines to handler. Nil sinks are
// replaced by in-memory buffers.
func New(handler LineHandler, stdout, stderr io.Writer) *Protocol {
	if stdout == nil {
		stdout = &bytes.Buffer{}
	}
	if stderr == nil {
		stderr = &bytes.Buffer{}
	}
	return &Protocol{
		handler: handler,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
}

// DataReceived takes bytes read from the child's fd. Output is forwarded
// as is; control bytes are buffered until a newline completes a line.
func (p *Protocol) DataReceived(fd int, data []byte) error {
	switch fd {
	case FDStdout:
		_, err := p.stdout.Write(data)
		return err
	case FDStderr:
		_, err := p.stderr.Write(data)
		return err
	case FDControl:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.buf = append(p.buf, data...)
		for {
			i := bytes.IndexByte(p.buf, '\n')
			if i < 0 {
				return nil
			}
			line := make([]byte, i+1)
			copy(line, p.buf[:i+1])
			p.buf = p.buf[:copy(p.buf, p.buf[i+1:])]
			if p.handler != nil {
				p.handler(p, line)
			}
		}
	}
	return fmt.Errorf("unexpected child fd %d", fd)
}

// Pending returns the bytes of an unfinished control line.
func (p *Protocol) Pending() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.buf)
}

// Attach sets where Write sends bytes.
func (p *Protocol) Attach(stdin io.Writer) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	p.stdin = stdin
}

// Write sends b to the child's stdin.
func (p *Protocol) Write(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(b)
}

// ProcessEnded completes the run. Code 0 succeeds; any other code fails
// with an *ExitError. Only the first call has effect.
func (p *Protocol) ProcessEnded(code int) {
	p.once.Do(func() {
		if code != 0 {
			p.err = &ExitError{Code: code}
		}
		close(p.done)
	})
}

// Done is closed when the process has ended.
func (p *Protocol) Done() <-chan struct{} {
	return p.done
}

// Err returns the run result once Done is closed.
func (p *Protocol) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process ends or ctx is done.
func (p *Protocol) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
