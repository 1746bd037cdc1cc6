// Package terminal runs the interactive tool under a pseudo-terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

const (
	DefaultCols = 120
	DefaultRows = 30

	readBufferSize = 4096
	chunkBacklog   = 64
)

// ErrClosed is returned when writing to a disposed process.
var ErrClosed = errors.New("terminal closed")

// Spec describes the process to start.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries are appended after the inherited environment and TERM.
	Env  []string
	Cols int
	Rows int
}

// Process is a running tool attached to a PTY master.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	chunks chan string
	done   chan struct{}
	closed chan struct{}

	waitErr     error
	disposeOnce sync.Once
	writeMu     sync.Mutex
}

// Spawn starts spec.Binary directly (no shell) with TERM=xterm-256color.
// Cancelling ctx kills the process.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	binary := strings.TrimSpace(spec.Binary)
	if binary == "" {
		return nil, errors.New("spawn: binary must not be empty")
	}
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.CommandContext(ctx, binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", binary, err)
	}

	p := &Process{
		cmd:    cmd,
		ptmx:   ptmx,
		chunks: make(chan string, chunkBacklog),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

func (p *Process) readLoop() {
	defer close(p.chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- string(buf[:n]):
			case <-p.closed:
				return
			}
		}
		if err != nil {
			// EIO on Linux once the child side closes; treat like EOF.
			return
		}
	}
}

func (p *Process) waitLoop() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Chunks delivers each PTY read as one chunk. It closes at EOF.
func (p *Process) Chunks() <-chan string {
	if p == nil {
		ch := make(chan string)
		close(ch)
		return ch
	}
	return p.chunks
}

// Done closes once the process has exited.
func (p *Process) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Wait blocks until exit and returns the process error, if any.
func (p *Process) Wait() error {
	if p == nil {
		return nil
	}
	<-p.done
	return p.waitErr
}

// ExitCode is the exit status after Done, or -1 while running or when killed.
func (p *Process) ExitCode() int {
	if p == nil {
		return -1
	}
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// WriteLine types line followed by Enter. Embedded newlines become carriage
// returns.
func (p *Process) WriteLine(line string) error {
	return p.write(strings.ReplaceAll(line, "\n", "\r") + "\r")
}

// WriteRaw writes text unchanged.
func (p *Process) WriteRaw(text string) error {
	return p.write(text)
}

func (p *Process) write(text string) error {
	if p == nil {
		return ErrClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if _, err := p.ptmx.Write([]byte(text)); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows int) error {
	if p == nil {
		return ErrClosed
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize: invalid size %dx%d", cols, rows)
	}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Dispose kills the process and closes the PTY. It is safe to call more
// than once and on a nil Process.
func (p *Process) Dispose() {
	if p == nil {
		return
	}
	p.disposeOnce.Do(func() {
		p.writeMu.Lock()
		close(p.closed)
		p.writeMu.Unlock()

		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
		_ = p.ptmx.Close()
	})
}
