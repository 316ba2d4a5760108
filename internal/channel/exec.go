package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/nativemsg"
	"github.com/gaspardpetit/voicerelay/internal/wire"
)

// ExecTransport spawns the native host executable for every connection and
// speaks native messaging over its stdin and stdout.
type ExecTransport struct {
	Path       string
	Args       []string
	Env        []string
	Dialect    wire.Dialect
	MaxMessage int
	// CloseGrace is how long the host may take to exit after its stdin is
	// closed before it is killed.
	CloseGrace time.Duration
	// WriteTimeout bounds a single write to the host's stdin. A host that
	// stops reading for longer is treated as gone.
	WriteTimeout time.Duration
}

const (
	defaultWriteTimeout = 5 * time.Second
	execQueueSize       = 64
)

var errHostNotReading = errors.New("exec: native host is not reading its input")

// Dial starts the host process. The context only bounds process start-up;
// the process outlives it.
func (t *ExecTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Path == "" {
		return nil, errors.New("exec: no native host path configured")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exec: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("exec: stderr pipe: %w", err)
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("exec: stdin pipe: %w", err)
	}
	cmd := exec.Command(t.Path, t.Args...)
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("exec: start %s: %w", t.Path, err)
	}
	// The child holds its own copies of these ends.
	closeAll(stdinR, stdoutW, stderrW)

	dialect := t.Dialect
	if dialect.IDKey == "" {
		dialect = wire.Standard
	}
	grace := t.CloseGrace
	if grace <= 0 {
		grace = time.Second
	}
	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &execConn{
		cmd:          cmd,
		stdin:        stdinW,
		stdout:       stdoutR,
		reader:       nativemsg.NewReader(stdoutR, t.MaxMessage),
		maxMessage:   t.MaxMessage,
		dialect:      dialect,
		grace:        grace,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, execQueueSize),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	go c.logStderr(stderrR)
	go c.writeLoop()
	go c.wait()
	logx.Log.Info().Str("path", t.Path).Int("pid", cmd.Process.Pid).Msg("native host started")
	return c, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execConn struct {
	cmd          *exec.Cmd
	stdin        *os.File
	stdout       *os.File
	reader       *nativemsg.Reader
	maxMessage   int
	dialect      wire.Dialect
	grace        time.Duration
	writeTimeout time.Duration

	// queue feeds writeLoop so WriteFrame never waits on the host.
	queue  chan []byte
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (c *execConn) Pid() int { return c.cmd.Process.Pid }

func (c *execConn) ReadFrame() (wire.Inbound, error) {
	body, err := c.reader.ReadMessage()
	if errors.Is(err, nativemsg.ErrEmptyMessage) {
		return wire.Inbound{}, &MalformedError{Err: err}
	}
	if err != nil {
		return wire.Inbound{}, err
	}
	f, err := wire.DecodeInbound(c.dialect, body)
	if err != nil {
		return wire.Inbound{}, &MalformedError{Err: err}
	}
	return f, nil
}

// WriteFrame encodes f and queues it for writeLoop. Size errors are
// reported here; write errors close the connection instead.
func (c *execConn) WriteFrame(f wire.Outbound) error {
	b, err := f.Marshal(c.dialect)
	if err != nil {
		return err
	}
	buf, err := nativemsg.Encode(b, c.maxMessage)
	if err != nil {
		return err
	}
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- buf:
		return nil
	default:
		_ = c.Close()
		return errHostNotReading
	}
}

func (c *execConn) writeLoop() {
	for {
		select {
		case <-c.stop:
			return
		case buf := <-c.queue:
			_ = c.stdin.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if _, err := c.stdin.Write(buf); err != nil {
				select {
				case <-c.stop:
				default:
					logx.Log.Warn().Err(err).Int("pid", c.Pid()).Msg("native host write failed; closing")
					_ = c.Close()
				}
				return
			}
		}
	}
}

// Close closes the host's stdin, which is the native messaging signal to
// exit, and kills the host if it is still running after the grace period.
// It does not block.
func (c *execConn) Close() error {
	c.once.Do(func() {
		close(c.stop)
		_ = c.stdin.Close()
		go func() {
			select {
			case <-c.exited:
			case <-time.After(c.grace):
				logx.Log.Warn().Int("pid", c.Pid()).Msg("native host did not exit; killing")
				_ = c.cmd.Process.Kill()
				<-c.exited
			}
			_ = c.stdout.Close()
		}()
	})
	return nil
}

func (c *execConn) wait() {
	_ = c.cmd.Wait()
	ev := logx.Log.Info().Int("pid", c.Pid())
	if c.cmd.ProcessState != nil {
		ev = ev.Int("exit_code", c.cmd.ProcessState.ExitCode())
	}
	ev.Msg("native host exited")
	close(c.exited)
}

func (c *execConn) logStderr(r io.ReadCloser) {
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logx.Log.Info().Str("source", "native_host").Int("pid", c.Pid()).Msg(sc.Text())
	}
}
