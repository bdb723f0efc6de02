package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaharia-lab/toolpipe/observability"
)

// DefaultShutdownGrace is how long a process gets to exit after the
// termination signal before it is killed.
const DefaultShutdownGrace = 5 * time.Second

// Stderr forwarding limits. Lines beyond the budget are counted, not logged.
const (
	defaultStderrLinesPerSecond = 50
	defaultStderrBurst          = 100
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits, e.g. when a grandchild still holds stdout open.
const waitDelay = 2 * time.Second

// Process is a running peer whose standard input and output carry protocol
// frames.
type Process interface {
	// Stdin receives encoded frames.
	Stdin() io.WriteCloser
	// Stdout yields frames until the peer exits.
	Stdout() io.Reader
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Err returns the exit reason after Done is closed.
	Err() error
	// Terminate asks the process to exit, waits up to grace, then kills it.
	Terminate(grace time.Duration) error
	// Pid returns the OS process id, or 0 when there is none.
	Pid() int
}

// Launcher starts the peer process for a client connection.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// CommandLauncher spawns a subprocess. Its stderr is diagnostic only and is
// forwarded to Logger line by line, rate-limited.
type CommandLauncher struct {
	Command string
	Args    []string
	Dir     string
	// Env overrides are applied on top of the parent environment.
	Env    map[string]string
	Logger observability.Logger
}

// Launch starts the command. The process lifetime is independent of ctx,
// which only guards the start itself.
func (l *CommandLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := l.Logger
	if logger == nil {
		logger = observability.NewDefaultLogger()
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = mergeEnv(os.Environ(), l.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// Output goes through io.Pipe so Wait returns only after every byte the
	// process wrote has been handed to our readers.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", l.Command, err)
	}

	p := &supervisedProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		stdoutW: stdoutW,
		stderrW: stderrW,
		done:    make(chan struct{}),
		logger: logger.WithFields(map[string]interface{}{
			"command": l.Command,
			"pid":     cmd.Process.Pid,
		}),
	}

	go p.drainStderr(stderrR, rate.NewLimiter(defaultStderrLinesPerSecond, defaultStderrBurst))
	go p.wait()

	p.logger.Info("Subprocess started")
	return p, nil
}

type supervisedProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	logger  observability.Logger

	done chan struct{}
	err  error

	terminateOnce sync.Once
	terminateErr  error
}

func (p *supervisedProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *supervisedProcess) Stdout() io.Reader     { return p.stdout }
func (p *supervisedProcess) Done() <-chan struct{} { return p.done }
func (p *supervisedProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *supervisedProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *supervisedProcess) wait() {
	waitErr := p.cmd.Wait()

	exit := &ExitError{Err: waitErr}
	if state := p.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		exit.Status = state.String()
	}
	p.err = exit

	p.stdoutW.Close()
	p.stderrW.Close()

	p.logger.WithFields(map[string]interface{}{
		"exit_code": exit.Code,
	}).Info("Subprocess exited")
	close(p.done)
}

func (p *supervisedProcess) drainStderr(r io.Reader, limiter *rate.Limiter) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), readBufferSize)

	suppressed := 0
	for scanner.Scan() {
		if !limiter.Allow() {
			suppressed++
			continue
		}
		if suppressed > 0 {
			p.logger.WithFields(map[string]interface{}{
				"suppressed": suppressed,
			}).Warn("Subprocess stderr lines dropped")
			suppressed = 0
		}
		p.logger.WithFields(map[string]interface{}{
			"line": scanner.Text(),
		}).Debug("Subprocess stderr")
	}
	if suppressed > 0 {
		p.logger.WithFields(map[string]interface{}{
			"suppressed": suppressed,
		}).Warn("Subprocess stderr lines dropped")
	}
	// Keep draining after a scanner failure so the child never blocks on stderr.
	_, _ = io.Copy(io.Discard, r)
}

// Terminate closes stdin and sends SIGTERM, then kills the process if it has
// not exited after grace. It always waits for the exit.
func (p *supervisedProcess) Terminate(grace time.Duration) error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate(grace)
	})
	return p.terminateErr
}

func (p *supervisedProcess) terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	p.logger.Info("Stopping subprocess")
	_ = p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.WithErr(err).Debug("Termination signal not delivered")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.WithFields(map[string]interface{}{
		"grace": grace.String(),
	}).Warn("Subprocess did not exit gracefully, killing")

	var killErr error
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		killErr = fmt.Errorf("kill subprocess: %w", err)
	}
	<-p.done
	return killErr
}

// mergeEnv applies overrides to base (KEY=VALUE entries), replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
