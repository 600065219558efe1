// Package proc wraps process probing: liveness checks, process-tree walks,
// and command-line scans used by cleanup verification and the health
// daemon.
package proc

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Prober inspects host processes. The gopsutil implementation is used in
// production; tests substitute a fake.
type Prober interface {
	// Alive reports whether pid exists (signal-0 probe).
	Alive(pid int) bool
	// Children returns the pids of the full descendant tree of pid.
	Children(ctx context.Context, pid int) ([]int, error)
	// FindByCmdline returns pids whose command line contains every
	// substring in substrs.
	FindByCmdline(ctx context.Context, substrs ...string) ([]int, error)
	// Kill sends SIGKILL to pid.
	Kill(pid int) error
}

// SystemProber probes the live host.
type SystemProber struct{}

// Alive sends signal 0, which tests existence without delivering a signal.
func (SystemProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but is owned by someone else.
	return err == nil || err == unix.EPERM
}

// Children walks the descendant tree of pid.
func (SystemProber) Children(ctx context.Context, pid int) ([]int, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Process already gone: no children remain.
		return nil, nil
	}
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil, nil
	}
	var out []int
	for len(kids) > 0 {
		k := kids[0]
		kids = kids[1:]
		out = append(out, int(k.Pid))
		grand, err := k.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		kids = append(kids, grand...)
	}
	return out, nil
}

// FindByCmdline scans all processes for command lines containing every
// substring. Used to catch orphans that escaped the session's process
// tree.
func (SystemProber) FindByCmdline(ctx context.Context, substrs ...string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		lower := strings.ToLower(cmdline)
		match := true
		for _, s := range substrs {
			if !strings.Contains(lower, strings.ToLower(s)) {
				match = false
				break
			}
		}
		if match {
			out = append(out, int(p.Pid))
		}
	}
	return out, nil
}

// Kill sends SIGKILL.
func (SystemProber) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
