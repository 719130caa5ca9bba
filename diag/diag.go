// Package diag wires optional CPU and wall-clock profiling around a running
// VM. Neither profiler runs unless explicitly enabled: this is opt-in
// diagnostic tooling, not part of the engine's normal operation.
package diag

import (
	"fmt"
	"os"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

// Options selects which profilers to start.
type Options struct {
	// CPUProfileDir, if non-empty, starts a CPU profile and writes it under
	// this directory when Stop is called.
	CPUProfileDir string

	// WallClockProfilePath, if non-empty, starts an fgprof wall-clock
	// profile (on-CPU and off-CPU time, e.g. time spent parked in HLT or
	// blocked on a watchdog) and writes a folded-stack file there. This is
	// the profiler to reach for when a watchdog keeps firing and it is
	// unclear whether the vCPU thread is spinning or blocked.
	WallClockProfilePath string
}

// Session holds the profilers started by Start; Stop tears them all down
// and reports the first error encountered, if any.
type Session struct {
	cpu      interface{ Stop() }
	wallFile *os.File
	wallStop func() error
}

// Start begins whichever profilers opts selects. The returned Session must
// be stopped (typically via defer) before the process exits, or the CPU
// profile will be left truncated and the wall-clock profile file unclosed.
func Start(opts Options) (*Session, error) {
	s := &Session{}

	if opts.CPUProfileDir != "" {
		s.cpu = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath(opts.CPUProfileDir),
			profile.NoShutdownHook,
		)
	}

	if opts.WallClockProfilePath != "" {
		f, err := os.Create(opts.WallClockProfilePath)
		if err != nil {
			if s.cpu != nil {
				s.cpu.Stop()
			}

			return nil, fmt.Errorf("diag: create wall-clock profile %s: %w", opts.WallClockProfilePath, err)
		}

		s.wallFile = f
		s.wallStop = fgprof.Start(f, fgprof.FormatFolded)
	}

	return s, nil
}

// Stop ends every profiler the Session started.
func (s *Session) Stop() error {
	if s.cpu != nil {
		s.cpu.Stop()
	}

	if s.wallStop == nil {
		return nil
	}

	err := s.wallStop()

	if cerr := s.wallFile.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("diag: stop wall-clock profile: %w", err)
	}

	return nil
}
