package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/caffeineduck/twedge/status"
)

// DefaultGracePeriod is how long a process gets to exit after Shutdown.
const DefaultGracePeriod = 5 * time.Second

// ShutdownRequester sends the advisory Shutdown RPC. *Coordinator
// satisfies it.
type ShutdownRequester interface {
	Shutdown(ctx context.Context, client string) error
}

// Process describes an agent process to launch. Name must match the client
// name the agent registers with.
type Process struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	output []*zapio.Writer
}

// Supervisor launches agent processes and stops them with Shutdown followed
// by a kill once the grace period expires.
type Supervisor struct {
	coord ShutdownRequester
	log   *zap.Logger
	grace time.Duration

	mu    sync.Mutex
	procs map[string]*process
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger used for process events and child output.
func WithSupervisorLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithGracePeriod sets how long a process may run after Shutdown before it is killed.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// NewSupervisor creates a supervisor that asks coord to shut clients down
// before killing their processes.
func NewSupervisor(coord ShutdownRequester, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		coord: coord,
		log:   zap.NewNop(),
		grace: DefaultGracePeriod,
		procs: make(map[string]*process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches p. Its output is logged line by line.
func (s *Supervisor) Start(p Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.procs[p.Name]; ok {
		select {
		case <-existing.done:
		default:
			return fmt.Errorf("process %q already running", p.Name)
		}
	}

	log := s.log.With(zap.String("process", p.Name))
	stdout := &zapio.Writer{Log: log, Level: zapcore.InfoLevel}
	stderr := &zapio.Writer{Log: log, Level: zapcore.WarnLevel}

	cmd := exec.Command(p.Command, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Name, err)
	}

	pr := &process{cmd: cmd, done: make(chan struct{}), output: []*zapio.Writer{stdout, stderr}}
	s.procs[p.Name] = pr
	log.Info("process started", zap.Int("pid", cmd.Process.Pid))

	go func() {
		pr.err = cmd.Wait()
		for _, w := range pr.output {
			w.Close()
		}
		close(pr.done)
		log.Info("process exited", zap.Error(pr.err))
	}()
	return nil
}

// Stop asks the named process to shut down and kills it if it has not exited
// within the grace period.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	pr, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return status.New("stop", status.NotFound, "no process %q", name)
	}

	select {
	case <-pr.done:
		return nil
	default:
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	if err := s.coord.Shutdown(graceCtx, name); err != nil {
		s.log.Warn("shutdown request failed", zap.String("process", name), zap.Error(err))
	}

	select {
	case <-pr.done:
		return nil
	case <-graceCtx.Done():
	}

	s.log.Warn("grace period expired, killing", zap.String("process", name))
	if err := pr.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", name, err)
	}
	<-pr.done
	return nil
}

// StopAll stops every running process concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	names := s.Running()
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(ctx, name)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Running lists processes that have not exited, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, pr := range s.procs {
		select {
		case <-pr.done:
		default:
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Wait blocks until the named process exits and returns its exit error.
func (s *Supervisor) Wait(name string) error {
	s.mu.Lock()
	pr, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return status.New("wait", status.NotFound, "no process %q", name)
	}
	<-pr.done
	return pr.err
}
