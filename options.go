// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sandboxloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultPollInterval   = 10 * time.Millisecond
	defaultMaxPollTimeout = 10 * time.Second
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	backend        Backend
	logger         *logiface.Logger[logiface.Event]
	pollInterval   time.Duration
	maxPollTimeout time.Duration
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithBackend sets the platform backend. The loop takes ownership of it,
// calling Init from New and Close on termination, so a backend must not be
// shared between loops. Defaults to [NewBackend].
func WithBackend(backend Backend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = backend
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is the default. See also [NewLogger].
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollInterval bounds how long the loop will block in a backend that
// cannot be woken, or that cannot report readiness while watches are
// registered. It is the worst case latency for work submitted from other
// goroutines, on such backends.
func WithPollInterval(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d < time.Millisecond {
			return fmt.Errorf("%w: poll interval %s is less than 1ms", ErrInvalidOption, d)
		}
		opts.pollInterval = d
		return nil
	}}
}

// WithMaxPollTimeout bounds how long the loop will block in any backend.
func WithMaxPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d < time.Millisecond {
			return fmt.Errorf("%w: max poll timeout %s is less than 1ms", ErrInvalidOption, d)
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		pollInterval:   defaultPollInterval,
		maxPollTimeout: defaultMaxPollTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.backend == nil {
		cfg.backend = NewBackend()
	}
	return cfg, nil
}
