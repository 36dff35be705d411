package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/signing"
)

// Option configures the Executor at creation time.
type Option func(*executorConfig)

type executorConfig struct {
	log              *zap.Logger
	verifier         *signing.Verifier
	cacheDir         string
	callTimeout      time.Duration
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	diskCache        bool
	interpreter      bool
	insecure         bool
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		log:         zap.NewNop(),
		callTimeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for executor events and guest stdout/stderr.
func WithLogger(l *zap.Logger) Option {
	return func(c *executorConfig) {
		c.log = l
	}
}

// WithDiskCache enables the persistent compilation cache so firmware is
// compiled ahead of time once per host. Optionally provide a custom
// directory; otherwise uses ~/.cache/twedge or XDG_CACHE_HOME/twedge.
//
// Examples:
//
//	executor.New(imports, executor.WithDiskCache())            // default dir
//	executor.New(imports, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to a guest.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithInterpreter selects the wazero interpreter instead of the compiler.
func WithInterpreter() Option {
	return func(c *executorConfig) {
		c.interpreter = true
	}
}

// WithVerifier requires every artifact to carry a signature accepted by v.
func WithVerifier(v *signing.Verifier) Option {
	return func(c *executorConfig) {
		c.verifier = v
	}
}

// WithInsecureSkipVerify loads artifacts without checking signatures.
func WithInsecureSkipVerify() Option {
	return func(c *executorConfig) {
		c.insecure = true
	}
}

// WithCallTimeout bounds each guest export call. A call that exceeds it
// terminates the instance. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(c *executorConfig) {
		c.callTimeout = d
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
