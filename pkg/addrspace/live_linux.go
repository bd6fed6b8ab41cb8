package addrspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/elfwalk/elfwalk/pkg/errs"
)

// attached tracks which PIDs already have a live provider, so a
// duplicate attach is rejected with Busy instead of racing the first
// one for ptrace ownership.
var attached = struct {
	sync.Mutex
	pids map[int]bool
}{pids: map[int]bool{}}

// LiveSpace reads the memory of a running process stopped under
// ptrace. All of the target's threads are attached and stopped for the
// provider's lifetime; Close detaches and resumes them.
type LiveSpace struct {
	pid  int
	tids []int
	mem  *os.File

	mu       sync.Mutex
	detached bool
}

// Attach stops every thread of pid under ptrace and opens its memory
// for reading. A second provider for the same PID is rejected with
// Busy.
func Attach(pid int) (*LiveSpace, error) {
	attached.Lock()
	if attached.pids[pid] {
		attached.Unlock()
		return nil, &errs.Busy{Pid: pid}
	}
	attached.pids[pid] = true
	attached.Unlock()

	s := &LiveSpace{pid: pid}
	if err := s.attachAll(); err != nil {
		s.Close()
		return nil, err
	}

	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.mem = mem
	return s, nil
}

// attachAll attaches to the main thread and every entry under
// /proc/pid/task, waiting for each to stop.
func (s *LiveSpace) attachAll() error {
	tidpaths, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", s.pid))
	if len(tidpaths) == 0 {
		return fmt.Errorf("process %d not found", s.pid)
	}

	for _, tidpath := range tidpaths {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			continue
		}

		err = syscall.PtraceAttach(tid)
		if err != nil && err != unix.EPERM {
			return fmt.Errorf("attach thread %d: %v", tid, err)
		}

		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
			return fmt.Errorf("wait thread %d: %v", tid, err)
		}
		if status.Exited() {
			continue
		}

		s.tids = append(s.tids, tid)
	}
	return nil
}

// Tids returns the stopped thread ids in OS enumeration order.
func (s *LiveSpace) Tids() []int { return s.tids }

// Pid returns the attached process id.
func (s *LiveSpace) Pid() int { return s.pid }

// Registers reads tid's general-purpose registers.
func (s *LiveSpace) Registers(tid int) (*unix.PtraceRegs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil, &errs.Detached{}
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, err
	}
	return &regs, nil
}

func (s *LiveSpace) ReadAt(va uint64, dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return 0, &errs.Detached{}
	}

	n, err := s.mem.ReadAt(dst, int64(va))
	if n == len(dst) {
		return n, nil
	}
	// /proc/pid/mem fails with EIO (or a short read) at the first
	// unmapped byte; anything else is a real I/O failure
	if err == nil || err == io.EOF || errors.Is(err, syscall.EIO) || errors.Is(err, syscall.EFAULT) {
		return n, &errs.Unmapped{Addr: va + uint64(n)}
	}
	return n, &errs.Io{Err: err}
}

func (s *LiveSpace) Describe() string { return fmt.Sprintf("pid:%d", s.pid) }

// Close detaches every thread, resuming the target, and releases the
// PID for future providers.
func (s *LiveSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil
	}
	s.detached = true

	for _, tid := range s.tids {
		syscall.PtraceDetach(tid)
	}
	if s.mem != nil {
		s.mem.Close()
	}

	attached.Lock()
	delete(attached.pids, s.pid)
	attached.Unlock()
	return nil
}
