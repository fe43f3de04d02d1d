package process

// ProcessID represents a unique identifier for a process
type ProcessID int

// ProcessInfo contains basic information about a process
type ProcessInfo struct {
	PID       ProcessID    // Process ID
	Name      string       // Process name from /proc/[pid]/comm
	Cmdline   []string     // Command line arguments
	State     ProcessState // Process state (R, S, D, Z, etc.)
	TracerPID ProcessID    // Non-zero when some tracer is attached
	Threads   int          // Number of threads
}
