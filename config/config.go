// Package config parses command-line options into an Options struct (which
// cmd/nyx turns into a vm.Config), following the teacher's own flag-wrapping
// pattern (a typed options struct filled by
// a stdlib flag.FlagSet, plus a size-string parser for memory sizes).
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSize is returned by ParseSize when s isn't a plain integer or a
// number followed by a k/m/g/K/M/G unit suffix.
var ErrInvalidSize = errors.New("config: invalid size string")

// ParseSize parses a size string like "256M" or "4G" into bytes. defaultUnit
// is appended when s carries no unit suffix, matching the teacher's
// ParseSize helper (used there for both memory sizes and plain counts).
func ParseSize(s, defaultUnit string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidSize)
	}

	unit := strings.ToLower(s[len(s)-1:])
	if unit != "k" && unit != "m" && unit != "g" {
		unit = strings.ToLower(defaultUnit)
	} else {
		s = s[:len(s)-1]
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidSize, s, err)
	}

	switch unit {
	case "k":
		return n << 10, nil
	case "m":
		return n << 20, nil
	case "g":
		return n << 30, nil
	default:
		return n, nil
	}
}

// Options is the full set of engine-level options a caller can set on the
// command line. MemSize is in bytes after ParseSize has run.
type Options struct {
	Device         string
	MemSize        int
	NumVCPUs       int
	IOMMU          bool
	WatchdogPeriod time.Duration
	CPUProfileDir  string
	WallProfile    string
	Verbose        bool
}

// Parse builds Options from args (typically os.Args[1:]), the way the
// teacher's flag.ParseArgs builds a BootArgs from its own subcommand args.
func Parse(args []string) (*Options, error) {
	fs := flag.NewFlagSet("nyx", flag.ContinueOnError)

	o := &Options{}

	fs.StringVar(&o.Device, "D", "/dev/kvm", "path of kvm device")
	msize := fs.String("m", "256M", "guest memory size: number[kKmMgG], defaults to M")
	fs.IntVar(&o.NumVCPUs, "c", 1, "number of vcpus")
	fs.BoolVar(&o.IOMMU, "iommu", false, "enable the IOMMU pass-through controller")
	fs.DurationVar(&o.WatchdogPeriod, "watchdog", 5*time.Second, "per-vcpu watchdog period")
	fs.StringVar(&o.CPUProfileDir, "cpuprofile", "", "write a CPU profile under this directory")
	fs.StringVar(&o.WallProfile, "wallprofile", "", "write an fgprof wall-clock profile to this file")
	fs.BoolVar(&o.Verbose, "v", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	memSize, err := ParseSize(*msize, "m")
	if err != nil {
		return nil, fmt.Errorf("config: parse -m: %w", err)
	}

	o.MemSize = memSize

	return o, nil
}
