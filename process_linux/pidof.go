//go:build linux

package process_linux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"androdump/process"
)

type Process struct {
	PID  int
	Name string // best-effort: comm, exe basename or argv[0]
}

// ListByName returns all processes whose comm, exe basename or argv[0] equals name.
// Android app processes are matched through argv[0], which carries the package name.
func ListByName(name string) ([]*Process, error) {
	if name == "" {
		return nil, errors.New("empty name")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	selfPID := os.Getpid()
	var out []*Process

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue // not a PID dir
		}
		if pid == selfPID {
			continue // skip ourselves
		}

		comm, _ := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		comm = bytesTrimNL(comm)
		if string(comm) == name {
			out = append(out, &Process{PID: pid, Name: string(comm)})
			continue
		}

		// Resolve /proc/<pid>/exe symlink; may fail if zombie or permission
		exe, _ := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		if exe != "" && filepath.Base(exe) == name {
			out = append(out, &Process{PID: pid, Name: filepath.Base(exe)})
			continue
		}

		args := readCmdline(pid)
		if len(args) > 0 && args[0] == name {
			out = append(out, &Process{PID: pid, Name: args[0]})
		}
	}

	return out, nil
}

// OneByName returns the first match for name (lowest PID), or process.ErrProcessNotFound if none.
func OneByName(name string) (*Process, error) {
	ps, err := ListByName(name)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no process named %q", process.ErrProcessNotFound, name)
	}
	// pick the lowest PID for determinism
	minIdx := 0
	for i := 1; i < len(ps); i++ {
		if ps[i].PID < ps[minIdx].PID {
			minIdx = i
		}
	}
	return ps[minIdx], nil
}

// ReadProcessInfo parses /proc/<pid>/status and /proc/<pid>/cmdline.
func ReadProcessInfo(pid process.ProcessID) (*process.ProcessInfo, error) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(int(pid)), "status"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := &process.ProcessInfo{PID: pid}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			info.Name = value
		case "State":
			if value != "" {
				info.State = process.ProcessState(value[:1])
			}
		case "TracerPid":
			tracer, _ := strconv.Atoi(value)
			info.TracerPID = process.ProcessID(tracer)
		case "Threads":
			info.Threads, _ = strconv.Atoi(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	info.Cmdline = readCmdline(int(pid))
	return info, nil
}

// ----- helpers -----

func readCmdline(pid int) []string {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil || len(raw) == 0 {
		return nil
	}
	raw = bytes.TrimRight(raw, "\x00")
	var args []string
	for _, a := range bytes.Split(raw, []byte{0}) {
		args = append(args, string(a))
	}
	return args
}

func procExists(pid int) bool {
	// Fast path: stat /proc/<pid>
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	// For transient errors (permission, EIO): fall back to kill 0
	return syscall.Kill(pid, 0) == nil
}

func bytesTrimNL(b []byte) []byte {
	// Trim trailing '\n' if present (comm has a newline).
	for len(b) > 0 {
		switch b[len(b)-1] {
		case '\n', '\r', ' ', '\t':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}
