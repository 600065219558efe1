package proc

import (
	"context"
	"sync"
)

// FakeProber is an in-memory Prober for tests. All pids are alive unless
// marked dead; cmdline matches are seeded explicitly.
type FakeProber struct {
	mu       sync.Mutex
	dead     map[int]bool
	cmdlines map[int]string
	killed   []int
}

// NewFakeProber creates a fake with every pid alive.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		dead:     make(map[int]bool),
		cmdlines: make(map[int]string),
	}
}

// MarkDead makes Alive report false for pid.
func (f *FakeProber) MarkDead(pid int) {
	f.mu.Lock()
	f.dead[pid] = true
	f.mu.Unlock()
}

// SetCmdline seeds a process command line for FindByCmdline.
func (f *FakeProber) SetCmdline(pid int, cmdline string) {
	f.mu.Lock()
	f.cmdlines[pid] = cmdline
	f.mu.Unlock()
}

// Killed returns the pids SIGKILLed so far.
func (f *FakeProber) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// Alive reports liveness from the fake table.
func (f *FakeProber) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid > 0 && !f.dead[pid]
}

// Children returns nothing; the fake models flat process sets.
func (f *FakeProber) Children(context.Context, int) ([]int, error) { return nil, nil }

// FindByCmdline scans the seeded command lines.
func (f *FakeProber) FindByCmdline(_ context.Context, substrs ...string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for pid, cmdline := range f.cmdlines {
		if f.dead[pid] {
			continue
		}
		match := true
		for _, s := range substrs {
			if !contains(cmdline, s) {
				match = false
				break
			}
		}
		if match {
			out = append(out, pid)
		}
	}
	return out, nil
}

// Kill records the pid and marks it dead.
func (f *FakeProber) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	f.dead[pid] = true
	return nil
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
