package encoder

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrUnavailable indicates the transcoder binary could not be found. Callers
// should degrade (skip conversion, report the feature unavailable) rather
// than treat this as a per-stream fault.
var ErrUnavailable = errors.New("encoder: transcoder binary unavailable")

// ErrStopped is returned when an operation is attempted on a handle that has
// already been stopped. Handles are single-use.
var ErrStopped = errors.New("encoder: handle already stopped")

// StartError reports a process that failed to launch or died within the
// launch window. It is always surfaced synchronously from Start and never
// retried automatically.
type StartError struct {
	Binary string
	Err    error
	Output []string
}

func (e *StartError) Error() string {
	if len(e.Output) > 0 {
		return fmt.Sprintf("encoder: start %s: %v: %s", e.Binary, e.Err, strings.Join(e.Output, " | "))
	}
	return fmt.Sprintf("encoder: start %s: %v", e.Binary, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Probe checks that the transcoder binary is resolvable on this host. It is
// the capability check run once at boot so a missing ffmpeg surfaces as a
// degraded feature instead of a crash on first publish.
func Probe(binary string) error {
	if strings.TrimSpace(binary) == "" {
		return fmt.Errorf("%w: no binary configured", ErrUnavailable)
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, binary, err)
	}
	return nil
}
