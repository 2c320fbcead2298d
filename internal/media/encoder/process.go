package encoder

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultLaunchWindow bounds how long Start observes a fresh process for
	// an immediate death before handing back a handle.
	DefaultLaunchWindow = 3 * time.Second
	// DefaultGracePeriod is the upper bound between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	stderrTailLines = 20
)

// Config describes one transcoder invocation.
type Config struct {
	Binary string
	Args   []string
	Logger *slog.Logger

	// LaunchWindow overrides DefaultLaunchWindow when positive.
	LaunchWindow time.Duration
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration

	// AllowEarlyExit treats a clean exit inside the launch window as success
	// instead of a StartError. One-shot jobs (clip extraction) set this; live
	// encoders must not, because a live encoder that exits immediately has
	// failed regardless of its exit code.
	AllowEarlyExit bool

	// OnLine receives each stderr line as it is read. Callers use it with
	// Classify to watch for health markers. Invoked from the reader
	// goroutine; must not block.
	OnLine func(line string)
	// OnExit is invoked exactly once when the process exits, with the error
	// from Wait (nil on clean exit).
	OnExit func(err error)
}

// Handle supervises exactly one OS subprocess. A handle must never be reused
// after Stop.
type Handle struct {
	binary      string
	cmd         *exec.Cmd
	gracePeriod time.Duration
	logger      *slog.Logger

	done chan struct{}

	mu      sync.Mutex
	tail    []string
	exitErr error
	exited  bool
	stopped bool

	stopOnce sync.Once
}

// Start launches the configured process and observes it for up to the launch
// window. A process that dies inside the window resolves to a StartError
// carrying the tail of its stderr, not a handle for a dead process.
func Start(cfg Config) (*Handle, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, &StartError{Binary: cfg.Binary, Err: ErrUnavailable}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launchWindow := cfg.LaunchWindow
	if launchWindow <= 0 {
		launchWindow = DefaultLaunchWindow
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	cmd := exec.Command(binary, cfg.Args...)
	// Descendants of the process inherit the stderr pipe. WaitDelay forces
	// the pipe closed after exit so Wait cannot block on an orphaned child
	// that never writes.
	cmd.WaitDelay = gracePeriod
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartError{Binary: binary, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	h := &Handle{
		binary:      binary,
		cmd:         cmd,
		gracePeriod: gracePeriod,
		logger:      logger,
		done:        make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, &StartError{Binary: binary, Err: err}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			h.appendTail(line)
			if cfg.OnLine != nil {
				cfg.OnLine(line)
			}
		}
	}()

	go func() {
		// Wait returns once the process exits; WaitDelay then bounds how long
		// the reader can keep the pipe open, so readerDone follows promptly.
		err := cmd.Wait()
		<-readerDone
		h.mu.Lock()
		h.exitErr = err
		h.exited = true
		h.mu.Unlock()
		close(h.done)
		if err != nil {
			logger.Debug("encoder process exited", "binary", binary, "pid", cmd.Process.Pid, "error", err)
		} else {
			logger.Debug("encoder process exited", "binary", binary, "pid", cmd.Process.Pid)
		}
		if cfg.OnExit != nil {
			cfg.OnExit(err)
		}
	}()

	select {
	case <-h.done:
		exitErr := h.ExitError()
		if exitErr == nil && cfg.AllowEarlyExit {
			return h, nil
		}
		if exitErr == nil {
			exitErr = fmt.Errorf("exited during launch window")
		}
		return nil, &StartError{Binary: binary, Err: exitErr, Output: h.StderrTail()}
	case <-time.After(launchWindow):
	}

	logger.Debug("encoder process launched", "binary", binary, "pid", cmd.Process.Pid)
	return h, nil
}

// PID reports the OS process ID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Running reports whether the OS process is still alive.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitError returns the process exit error once it has exited, nil otherwise.
func (h *Handle) ExitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// StderrTail returns the most recent diagnostic lines for error reporting.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

// Wait blocks until the process exits and returns its exit error. Used by
// one-shot jobs; live supervisors should watch Done instead.
func (h *Handle) Wait() error {
	<-h.done
	return h.ExitError()
}

// Stop terminates the process: SIGTERM first, then SIGKILL once the grace
// period elapses. Returns within a bounded multiple of the grace period even
// when a descendant of the process outlives it. It is idempotent and safe on
// an already-exited process.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()

		if !h.Running() {
			return
		}
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				h.logger.Debug("signal encoder process", "binary", h.binary, "error", err)
			}
		}
		select {
		case <-h.done:
		case <-time.After(h.gracePeriod):
			if h.cmd.Process != nil {
				if err := h.cmd.Process.Kill(); err != nil {
					h.logger.Debug("kill encoder process", "binary", h.binary, "error", err)
				}
			}
			<-h.done
		}
	})
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) appendTail(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tail = append(h.tail, trimmed)
	if len(h.tail) > stderrTailLines {
		h.tail = h.tail[len(h.tail)-stderrTailLines:]
	}
}
