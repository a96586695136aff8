package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/xkilldash9x/agentxen/internal/config"
	"go.uber.org/zap"
)

// closeGrace is how long Close waits for the host to exit after its stdin is
// closed before killing it.
const closeGrace = 2 * time.Second

// -- Framing --

// FrameReader reads native-messaging frames: a 4-byte length in native byte
// order followed by that many bytes of UTF-8 JSON.
type FrameReader struct {
	r       io.Reader
	maxSize int
}

// NewFrameReader wraps r. Frames larger than maxSize are rejected.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame returns the next payload. A clean end of stream between frames
// yields io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}
	size := binary.NativeEndian.Uint32(header[:])
	if fr.maxSize > 0 && uint64(size) > uint64(fr.maxSize) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, fr.maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("payload of %d bytes cannot be framed", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.NativeEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// -- Native messaging host --

// NativeDialer launches the agent host as a subprocess and talks to it over
// its stdin/stdout, the way a browser talks to a native-messaging host.
type NativeDialer struct {
	logger *zap.Logger
	cfg    config.NativeConfig
}

// NewNativeDialer creates a NativeDialer.
func NewNativeDialer(logger *zap.Logger, cfg config.NativeConfig) *NativeDialer {
	return &NativeDialer{logger: logger.Named("native_transport"), cfg: cfg}
}

// Dial starts a fresh host process. The process lives until the returned
// Conn is closed or the host exits on its own.
func (d *NativeDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// exec.Command rather than CommandContext: the host must outlive the dial context.
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Dir = d.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating host stdin: %w", err)
	}
	// An explicit pipe keeps cmd.Wait from closing our read end while frames
	// are still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating host stdout: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating host stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting agent host %q: %w", d.cfg.Command, err)
	}
	stdoutW.Close()

	c := &nativeConn{
		logger: d.logger.With(zap.Int("pid", cmd.Process.Pid)),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		frames: NewFrameReader(bufio.NewReader(stdoutR), d.cfg.MaxMessageSize),
		exited: make(chan struct{}),
	}
	go c.drainStderr(stderr)
	go c.wait()

	c.logger.Info("Agent host started.", zap.String("command", d.cfg.Command))
	return c, nil
}

type nativeConn struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	frames *FrameReader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	exited    chan struct{}
}

func (c *nativeConn) wait() {
	err := c.cmd.Wait()
	if err != nil {
		c.logger.Warn("Agent host exited.", zap.Error(err))
	} else {
		c.logger.Info("Agent host exited.")
	}
	close(c.exited)
}

func (c *nativeConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("Agent host stderr.", zap.String("line", scanner.Text()))
	}
}

func (c *nativeConn) ReadMessage() ([]byte, error) {
	payload, err := c.frames.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return payload, nil
}

func (c *nativeConn) WriteMessage(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := WriteFrame(c.stdin, payload); err != nil {
		return fmt.Errorf("writing to agent host: %w", err)
	}
	return nil
}

// Close ends the host's stdin, which well-behaved hosts treat as a shutdown
// signal, and kills the process if it lingers.
func (c *nativeConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.stdin.Close()
		c.writeMu.Unlock()

		select {
		case <-c.exited:
		case <-time.After(closeGrace):
			c.logger.Warn("Agent host did not exit after stdin closed; killing it.")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
		c.stdout.Close()
	})
	return nil
}
