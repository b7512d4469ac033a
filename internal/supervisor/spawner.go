package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// SpawnSpec describes the worker process to launch for one agent.
type SpawnSpec struct {
	AgentID   uint64
	AgentName string
	Port      int
	Config    string // JSON configuration document
}

// Proc is a handle on a spawned worker process.
type Proc interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig syscall.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its exit error.
	// It must be called exactly once.
	Wait() error
}

// Spawner launches worker processes. The production implementation execs
// the configured worker binary; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Proc, error)
}

// ExecSpawner spawns workers with os/exec.
type ExecSpawner struct {
	workerPath string
}

// NewExecSpawner returns an ExecSpawner that runs the binary or script at
// workerPath.
func NewExecSpawner(workerPath string) *ExecSpawner {
	return &ExecSpawner{workerPath: workerPath}
}

// Spawn starts a worker process with the agent identity and configuration
// passed through the environment.
//
// exec.Command is used rather than CommandContext: shutdown is driven by
// Supervisor.Stop, and CommandContext would SIGKILL on context cancellation
// which defeats graceful termination.
func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Proc, error) {
	cmd := exec.Command(s.workerPath)
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+strconv.FormatUint(spec.AgentID, 10),
		"AGENT_NAME="+spec.AgentName,
		"AGENT_PORT="+strconv.Itoa(spec.Port),
		"AGENT_CONFIG="+spec.Config,
	)
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: starting worker %s: %w", s.workerPath, err)
	}

	return &execProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProc struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProc) Pid() int          { return p.cmd.Process.Pid }
func (p *execProc) Stdout() io.Reader { return p.stdout }
func (p *execProc) Stderr() io.Reader { return p.stderr }

func (p *execProc) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProc) Wait() error {
	return p.cmd.Wait()
}
