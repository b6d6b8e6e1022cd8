package chunkproc

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultQueueSize       = 1024
	DefaultShutdownTimeout = 5 * time.Second
)

// Config controls a processing service. The zero value is usable.
type Config struct {
	// Workers is the number of worker goroutines draining the queue.
	// Default: available parallelism minus one, minimum one.
	Workers int

	// QueueSize bounds the work queue. Submissions beyond it are
	// rejected (Failed/FailureUnknown) rather than blocking the
	// caller. Default: DefaultQueueSize.
	QueueSize int

	// ShutdownTimeout bounds how long Close waits for in-flight work
	// before resolving the remaining handles as Canceled. Default:
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// CacheBudgetBytes sizes the service-owned artifact cache. Zero
	// disables caching entirely.
	CacheBudgetBytes int64

	// Registry receives the service's Prometheus metrics. Nil means a
	// private throwaway registry.
	Registry prometheus.Registerer

	// Logger is the service's base logger. The zero value discards
	// nothing but carries no output configuration; pass
	// zerolog.Nop() to silence the service.
	Logger zerolog.Logger
}

// withDefaults fills in unset fields.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() - 1
		if c.Workers < 1 {
			c.Workers = 1
		}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return c
}
