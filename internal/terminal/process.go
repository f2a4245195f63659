package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// ExitStatus describes how a shell process ended. Signal is empty unless
// the process was killed by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a running shell attached to a terminal. Reads return terminal
// output, writes deliver keystrokes.
type Process interface {
	io.ReadWriter
	Resize(cols, rows uint16) error
	// Wait blocks until the process exits.
	Wait() (ExitStatus, error)
	// Kill stops the process and releases the terminal.
	Kill() error
}

// SpawnOptions configures a new shell process.
type SpawnOptions struct {
	Dir  string
	Cols uint16
	Rows uint16
	Env  []string
}

// Spawner starts shell processes.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts Shell under a pseudo-terminal.
type PTYSpawner struct {
	Shell string
}

// NewPTYSpawner returns a spawner for the given shell, falling back to
// DefaultShell when empty.
func NewPTYSpawner(shell string) (*PTYSpawner, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, err
	}
	if shell == "" {
		shell = DefaultShell
	}
	return &PTYSpawner{Shell: shell}, nil
}

// Spawn starts the shell in opts.Dir with HOME pointing at the same
// directory.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	cmd := exec.Command(s.Shell)
	cmd.Dir = opts.Dir
	cmd.Env = shellEnv(opts)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

// shellEnv builds the environment for a session shell. Variables that would
// point the shell outside its workspace are replaced.
func shellEnv(opts SpawnOptions) []string {
	env := make([]string, 0, len(os.Environ())+len(opts.Env)+4)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		switch name {
		case "HOME", "PWD", "OLDPWD", "TERM", "HISTFILE":
			continue
		}
		if strings.HasPrefix(name, "TERMSYNC_") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"HOME="+opts.Dir,
		"PWD="+opts.Dir,
		"TERM=xterm-256color",
		"HISTFILE=/dev/null",
	)
	return append(env, opts.Env...)
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	// Linux reports EIO on the master once the slave side is gone.
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}, err
	}
	st := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit is reported through the status, not as an error.
		err = nil
	}
	return st, err
}

func (p *ptyProcess) Kill() error {
	var err error
	if p.cmd.Process != nil {
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
	}
	if cerr := p.ptmx.Close(); cerr != nil && err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}
