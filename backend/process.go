package backend

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
)

const (
	defaultStopGrace = 3 * time.Second
	stderrTailLines  = 20
)

type ProcessOptions struct {
	Command string
	Args    []string
	Dir     string
	// Env is the complete environment of the child. Nil means the bridge's
	// environment filtered through DefaultEnvPolicy.
	Env       []string
	StopGrace time.Duration
	Logger    *zap.Logger
}

// Process is a spawned agent speaking ACP over its stdio.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *zap.Logger
	grace  time.Duration

	stderrDone chan struct{}
	tailMu     sync.Mutex
	tail       []string

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// StartProcess spawns the agent with piped stdio.
func StartProcess(opts ProcessOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, errors.New("no agent command configured")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	env := opts.Env
	if env == nil {
		env = DefaultEnvPolicy().Environ()
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "agent stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "agent stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start agent %s", opts.Command)
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		log:        log.With(zap.String("agent", opts.Command), zap.Int("pid", cmd.Process.Pid)),
		grace:      opts.StopGrace,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = defaultStopGrace
	}
	go p.pumpStderr(stderr)
	p.log.Info("agent started", zap.Strings("args", opts.Args))
	p.log.Debug("agent environment", zap.Strings("env", DefaultEnvPolicy().RedactedNames(env)))
	return p, nil
}

func (p *Process) Stdin() io.Writer  { return p.stdin }
func (p *Process) Stdout() io.Reader { return p.stdout }

// Wait waits for the agent to exit. It must be called after stdout has been
// read to EOF. A nonzero exit or a signal is reported as *errors.CrashError;
// a clean exit returns nil.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		err := p.cmd.Wait()
		p.waitErr = p.exitError(err)
		close(p.exited)
		if p.waitErr != nil {
			p.log.Warn("agent exited", zap.Error(p.waitErr))
		} else {
			p.log.Info("agent exited cleanly")
		}
	})
	return p.waitErr
}

func (p *Process) exitError(err error) error {
	if err == nil {
		return nil
	}
	crash := &errors.CrashError{ExitCode: -1, Stderr: p.stderrTail()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		crash.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			crash.Signal = status.Signal().String()
		}
		return crash
	}
	return errors.Wrapf(err, "wait for agent")
}

// Stop closes stdin, then sends SIGTERM, then SIGKILL once the grace period
// or ctx runs out.
func (p *Process) Stop(ctx context.Context) error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	default:
	}

	_ = signalProcess(p.cmd.Process, syscall.SIGTERM)
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		p.log.Warn("agent ignored SIGTERM, killing")
		_ = signalProcess(p.cmd.Process, os.Kill)
	case <-ctx.Done():
		_ = signalProcess(p.cmd.Process, os.Kill)
	}
	return nil
}

// Exited is closed once Wait has observed the exit.
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) pumpStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		p.log.Info("agent stderr", zap.String("line", line))
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
	}
}

func (p *Process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	if len(p.tail) == 0 {
		return ""
	}
	return p.tail[len(p.tail)-1]
}

func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
