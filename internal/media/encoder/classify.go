package encoder

import "strings"

// Signal is the heuristic classification of one diagnostic line.
type Signal int

const (
	SignalNone Signal = iota
	SignalHealthy
	SignalFailure
)

// Transcoder binaries expose no structured health protocol, so health is
// inferred by substring-matching known phrases in their stderr output. This
// is a best-effort signal only: the process exit code remains the
// authoritative failure indicator, and callers must treat these markers as
// hints (an unmatched line says nothing either way).
var (
	failureMarkers = []string{
		"connection refused",
		"connection timed out",
		"failed to connect",
		"connection reset",
		"broken pipe",
		"unable to open",
		"server returned 4",
		"server returned 5",
		"input/output error",
		"invalid data found",
		"authorization failed",
	}
	healthyMarkers = []string{
		"frame=",
		"speed=",
		"press [q] to stop",
	}
)

// Classify maps one stderr line to a health signal.
func Classify(line string) Signal {
	lowered := strings.ToLower(line)
	for _, marker := range failureMarkers {
		if strings.Contains(lowered, marker) {
			return SignalFailure
		}
	}
	for _, marker := range healthyMarkers {
		if strings.Contains(lowered, marker) {
			return SignalHealthy
		}
	}
	return SignalNone
}
