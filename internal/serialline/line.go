// Package serialline exposes a device that prints key=value lines on a
// serial port as a feature.
package serialline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var ErrClosed = errors.New("serialline: closed")

// maxLineLen bounds one line including its terminator. Longer lines are
// dropped and counted as skipped.
const maxLineLen = 1024

// Line keeps the latest value seen for every key on the port. Writes are
// newline-terminated lines.
type Line struct {
	rw     io.ReadWriteCloser
	logger *slog.Logger

	mu      sync.RWMutex
	values  map[string]string
	updated time.Time
	skipped uint64

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the port 8N1 and starts reading.
func Open(portName string, baudRate int, logger *slog.Logger) (*Line, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialline: open %s: %w", portName, err)
	}
	// USB CDC ACM devices only talk once DTR is asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return New(port, logger.With("port", portName)), nil
}

// New starts reading lines from rw.
func New(rw io.ReadWriteCloser, logger *slog.Logger) *Line {
	l := &Line{
		rw:     rw,
		logger: logger.With("component", "serialline"),
		values: make(map[string]string),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *Line) readLoop() {
	defer l.wg.Done()

	r := bufio.NewReaderSize(l.rw, maxLineLen)
	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	overlong := false

	for {
		b, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			overlong = true
			continue
		}
		if err == nil {
			backoff = 10 * time.Millisecond
			if overlong {
				overlong = false
				l.skip("line too long")
				continue
			}
			l.handleLine(string(b))
			continue
		}
		select {
		case <-l.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			l.logger.Warn("serial port closed by peer")
			return
		}
		l.logger.Error("serial read error", "err", err)
		select {
		case <-time.After(backoff):
		case <-l.done:
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// handleLine stores "key=value". Blank lines and lines starting with '#'
// are ignored.
func (l *Line) handleLine(s string) {
	s = strings.TrimRight(s, "\r\n")
	if strings.TrimSpace(s) == "" || strings.HasPrefix(s, "#") {
		return
	}
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		l.skip("malformed line", "line", s)
		return
	}
	l.mu.Lock()
	l.values[key] = strings.TrimSpace(value)
	l.updated = time.Now()
	l.mu.Unlock()
}

func (l *Line) skip(reason string, args ...any) {
	l.mu.Lock()
	l.skipped++
	l.mu.Unlock()
	l.logger.Debug(reason, args...)
}

// Value returns the latest value of key.
func (l *Line) Value(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[key]
	return v, ok
}

// Snapshot returns a copy of all values.
func (l *Line) Snapshot() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.values))
	for k, v := range l.values {
		out[k] = v
	}
	return out
}

// Updated returns when the last key=value line arrived, or the zero time.
func (l *Line) Updated() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updated
}

// Skipped is the number of malformed or overlong lines seen.
func (l *Line) Skipped() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skipped
}

// Send writes s followed by a newline.
func (l *Line) Send(s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("serialline: line contains a line break")
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := io.WriteString(l.rw, s+"\n"); err != nil {
		return fmt.Errorf("serialline: write: %w", err)
	}
	return nil
}

// Close closes the port and waits for the reader to stop.
func (l *Line) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.rw.Close()
		l.wg.Wait()
	})
	return err
}
