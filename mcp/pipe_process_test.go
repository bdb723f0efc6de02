package mcp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/toolpipe/observability"
)

// serveFunc plays the server side of an in-process connection.
type serveFunc func(ctx context.Context, in io.Reader, out io.Writer) error

// pipeProcess is a Process backed by in-memory pipes instead of a subprocess.
type pipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	cancel  context.CancelFunc

	exitOnce sync.Once
	done     chan struct{}
	err      error

	// ignoreStdinClose keeps serving after stdin closes, like a child that
	// ignores the termination signal.
	ignoreStdinClose bool
	killed           bool
}

func startPipeProcess(serve serveFunc, ignoreStdinClose bool) *pipeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipeProcess{
		stdinR:           stdinR,
		stdinW:           stdinW,
		stdoutR:          stdoutR,
		stdoutW:          stdoutW,
		cancel:           cancel,
		done:             make(chan struct{}),
		ignoreStdinClose: ignoreStdinClose,
	}

	go func() {
		var in io.Reader = stdinR
		if ignoreStdinClose {
			in = &neverEOF{r: stdinR, ctx: ctx}
		}
		_ = serve(ctx, in, stdoutW)
		p.exit(&ExitError{Code: 0, Status: "exit status 0"})
	}()
	return p
}

// neverEOF blocks instead of reporting end of input until ctx is done.
type neverEOF struct {
	r   io.Reader
	ctx context.Context
}

func (n *neverEOF) Read(b []byte) (int, error) {
	c, err := n.r.Read(b)
	if err != nil {
		<-n.ctx.Done()
	}
	return c, err
}

func (p *pipeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		// Output closes first so nothing written during teardown reaches the client.
		p.stdoutW.Close()
		p.stdinR.Close()
		p.cancel()
		close(p.done)
	})
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *pipeProcess) Done() <-chan struct{} { return p.done }
func (p *pipeProcess) Pid() int              { return 0 }

func (p *pipeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *pipeProcess) Terminate(grace time.Duration) error {
	p.stdinW.Close()

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.killed = true
	p.exit(&ExitError{Code: -1, Status: "signal: killed"})
	return nil
}

// pipeLauncher launches pipeProcesses and remembers the last one.
type pipeLauncher struct {
	serve            serveFunc
	ignoreStdinClose bool
	err              error

	mu   sync.Mutex
	last *pipeProcess
}

func (l *pipeLauncher) Launch(ctx context.Context) (Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := startPipeProcess(l.serve, l.ignoreStdinClose)
	l.mu.Lock()
	l.last = p
	l.mu.Unlock()
	return p, nil
}

func (l *pipeLauncher) process() *pipeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// serveTools runs a StdIOServer exposing tools.
func serveTools(t *testing.T, opts []ServerConfigOption, tools ...Tool) serveFunc {
	t.Helper()
	registry, err := NewToolRegistry(tools...)
	require.NoError(t, err)

	return func(ctx context.Context, in io.Reader, out io.Writer) error {
		base, err := NewBaseServer(append([]ServerConfigOption{
			UseLogger(observability.NewNullLogger()),
			UseServerInfo("pipe-server", "0.0.1"),
			UseTools(registry),
		}, opts...)...)
		if err != nil {
			return err
		}
		return NewStdIOServer(base, in, out).Run(ctx)
	}
}
