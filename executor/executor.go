package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/caffeineduck/twedge/hostfunc"
)

var (
	ErrUnsigned       = errors.New("artifact is not signed")
	ErrNoVerifier     = errors.New("no signature verifier configured")
	ErrExecutorClosed = errors.New("executor closed")
)

// Executor owns the wazero runtime for one sandbox process and caches
// compiled firmware by digest.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	cfg      executorConfig
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor and links imports into its runtime. Unless
// WithInsecureSkipVerify is given, a verifier is required.
func New(imports *hostfunc.Imports, opts ...Option) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.verifier == nil && !cfg.insecure {
		return nil, ErrNoVerifier
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cfg.interpreter {
		rtConfig = wazero.NewRuntimeConfigInterpreter()
	}
	rtConfig = rtConfig.WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	cleanup := func() {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		cleanup()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if imports != nil {
		if _, err := imports.Instantiate(ctx, rt); err != nil {
			cleanup()
			return nil, err
		}
	}

	return &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		cfg:      cfg,
	}, nil
}

// Compile verifies and compiles an artifact, returning a cached module when
// the same bytes were compiled before.
func (e *Executor) Compile(ctx context.Context, a Artifact) (wazero.CompiledModule, error) {
	if err := e.verify(a); err != nil {
		return nil, err
	}
	digest := a.Digest()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrExecutorClosed
	}
	if compiled, ok := e.compiled[digest]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if compiled, ok := e.compiled[digest]; ok {
		return compiled, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, a.Binary)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", a.Name, err)
	}
	e.compiled[digest] = compiled
	e.cfg.log.Info("compiled firmware", zap.String("name", a.Name), zap.String("digest", digest))
	return compiled, nil
}

func (e *Executor) verify(a Artifact) error {
	if e.cfg.insecure {
		return nil
	}
	if len(a.Signature) == 0 {
		return fmt.Errorf("%s: %w", a.Name, ErrUnsigned)
	}
	if err := e.cfg.verifier.Verify(a.Binary, a.Signature); err != nil {
		return fmt.Errorf("%s: %w", a.Name, err)
	}
	return nil
}

// Instantiate compiles a and starts a guest instance. Reactor modules have
// their _initialize export run; command modules' _start is not run.
func (e *Executor) Instantiate(ctx context.Context, a Artifact) (*Instance, error) {
	compiled, err := e.Compile(ctx, a)
	if err != nil {
		return nil, err
	}

	log := e.cfg.log.With(zap.String("firmware", a.Name))
	stdout := &zapio.Writer{Log: log.Named("stdout"), Level: zapcore.InfoLevel}
	stderr := &zapio.Writer{Log: log.Named("stderr"), Level: zapcore.WarnLevel}

	moduleConfig := wazero.NewModuleConfig().
		WithName(a.Name).
		WithStartFunctions("_initialize").
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	mod, err := e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("instantiate %s: %w", a.Name, err)
	}

	return &Instance{
		name:        a.Name,
		digest:      a.Digest(),
		module:      mod,
		stdout:      stdout,
		stderr:      stderr,
		log:         log,
		callTimeout: e.cfg.callTimeout,
	}, nil
}

// Digests lists the digests of compiled artifacts.
func (e *Executor) Digests() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.compiled))
	for d := range e.compiled {
		out = append(out, d)
	}
	return out
}

// Close releases all resources held by the Executor, including instances.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "twedge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "twedge")
	}
	return filepath.Join(os.TempDir(), "twedge-cache")
}
