package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/murmur-labs/scribed/internal/logger"
)

// Mode selects the concurrency discipline for engine access.
type Mode string

const (
	// ModeLock serializes every call through a single engine instance.
	ModeLock Mode = "lock"

	// ModePool distributes calls across a fixed set of independent instances.
	ModePool Mode = "pool"
)

// AdapterConfig configures the thread-safety adapter.
type AdapterConfig struct {
	// Mode is "lock" or "pool".
	Mode Mode

	// PoolSize is the number of independent instances in pool mode.
	// Ignored in lock mode.
	PoolSize int
}

// NewAdapter builds the configured adapter around instances produced by
// factory. In lock mode a single instance is created; in pool mode PoolSize
// instances are created eagerly so model-load failures surface at startup.
func NewAdapter(cfg AdapterConfig, factory Factory) (Engine, error) {
	switch cfg.Mode {
	case ModeLock, "":
		inst, err := factory()
		if err != nil {
			return nil, fmt.Errorf("create engine instance: %w", err)
		}
		return NewSerialized(inst), nil
	case ModePool:
		return NewPool(factory, cfg.PoolSize)
	default:
		return nil, fmt.Errorf("unknown engine concurrency mode %q", cfg.Mode)
	}
}

// ============================================================================
// Serialized adapter
// ============================================================================

// Serialized guards a single non-reentrant engine instance with a mutex.
// Lowest memory footprint; calls queue up behind the lock.
type Serialized struct {
	mu   sync.Mutex
	inst Engine
}

// NewSerialized wraps inst in a serializing adapter.
func NewSerialized(inst Engine) *Serialized {
	return &Serialized{inst: inst}
}

// Transcribe acquires the instance lock for the duration of the call.
// The context is checked before the call; once the engine is running it is
// never interrupted.
func (s *Serialized) Transcribe(ctx context.Context, path string, hints Hints) (*RawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}

	res, err := s.inst.Transcribe(ctx, path, hints)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// ============================================================================
// Pooled adapter
// ============================================================================

// Pool distributes calls across a fixed set of independent engine instances.
// Checkout is a buffered channel: each call borrows exactly one instance and
// returns it when done, so no instance ever sees concurrent calls.
type Pool struct {
	instances chan Engine
	size      int
}

// NewPool creates size instances via factory. All instances are created up
// front; a factory failure tears down nothing (instances hold no external
// resources until first use).
func NewPool(factory Factory, size int) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be positive")
	}

	p := &Pool{
		instances: make(chan Engine, size),
		size:      size,
	}
	for i := 0; i < size; i++ {
		inst, err := factory()
		if err != nil {
			return nil, fmt.Errorf("create engine instance %d: %w", i, err)
		}
		p.instances <- inst
	}

	logger.Debug("engine pool initialized", logger.KeyEngine, "pool", "size", size)
	return p, nil
}

// Size returns the number of pooled instances.
func (p *Pool) Size() int {
	return p.size
}

// Transcribe borrows an instance, blocking until one is free or the context
// is done. A running engine call is never interrupted.
func (p *Pool) Transcribe(ctx context.Context, path string, hints Hints) (*RawResult, error) {
	var inst Engine
	select {
	case inst = <-p.instances:
	case <-ctx.Done():
		return nil, Classify(ctx.Err())
	}
	defer func() { p.instances <- inst }()

	res, err := inst.Transcribe(ctx, path, hints)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}
