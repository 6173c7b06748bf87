// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package dispatch runs file operations on a bounded pool of workers.
//
// The pool grows to CoreSize workers before anything is queued, then fills a
// bounded queue, then grows to MaxSize. When all of that is saturated the
// task runs on the submitting goroutine, which slows the caller down instead
// of dropping work. Workers above CoreSize retire after KeepAlive idle time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toeirei/sftpgate/internal/logging"
)

// ErrClosed is returned by Submit once shutdown has started.
var ErrClosed = errors.New("dispatch: dispatcher is shut down")

// Task is a unit of work. ctx is cancelled when the dispatcher is forced down.
type Task func(ctx context.Context)

// Options sizes the pool. All counts must be >= 1 and CoreSize <= MaxSize.
type Options struct {
	CoreSize        int
	MaxSize         int
	KeepAlive       time.Duration
	QueueCapacity   int
	ShutdownTimeout time.Duration
}

func (o Options) validate() error {
	var errs []error
	if o.CoreSize < 1 {
		errs = append(errs, fmt.Errorf("core size must be >= 1, got %d", o.CoreSize))
	}
	if o.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("max size must be >= 1, got %d", o.MaxSize))
	}
	if o.CoreSize > o.MaxSize {
		errs = append(errs, fmt.Errorf("core size %d exceeds max size %d", o.CoreSize, o.MaxSize))
	}
	if o.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be >= 1, got %d", o.QueueCapacity))
	}
	if o.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("keep alive must be positive, got %s", o.KeepAlive))
	}
	if o.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must not be negative, got %s", o.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

type state int

const (
	stateRunning state = iota
	stateClosing
	stateTerminated
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Workers    int
	Active     int
	Queued     int
	CallerRuns int64
	Completed  int64
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	opts   Options
	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     state
	workers   int
	listeners []func()

	wg         sync.WaitGroup
	terminated chan struct{}
	closeOnce  sync.Once

	active     atomic.Int64
	callerRuns atomic.Int64
	completed  atomic.Int64
}

// New validates opts and returns a running dispatcher with no workers yet.
func New(opts Options) (*Dispatcher, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:       opts,
		queue:      make(chan Task, opts.QueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
		terminated: make(chan struct{}),
	}, nil
}

// Submit schedules t. It never rejects a task while the dispatcher is
// running; when the pool is saturated t runs before Submit returns.
func (d *Dispatcher) Submit(t Task) error {
	if t == nil {
		return errors.New("dispatch: nil task")
	}
	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.workers < d.opts.CoreSize {
		d.spawnLocked(t)
		d.mu.Unlock()
		return nil
	}
	select {
	case d.queue <- t:
		d.mu.Unlock()
		return nil
	default:
	}
	if d.workers < d.opts.MaxSize {
		d.spawnLocked(t)
		d.mu.Unlock()
		return nil
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.callerRuns.Add(1)
	logging.Debugf("dispatch: pool saturated, running task on caller")
	defer d.wg.Done()
	d.run(t)
	return nil
}

func (d *Dispatcher) spawnLocked(first Task) {
	d.workers++
	d.wg.Add(1)
	go d.worker(first)
}

func (d *Dispatcher) worker(first Task) {
	defer d.wg.Done()
	d.active.Add(1)
	d.run(first)
	d.active.Add(-1)

	idle := time.NewTimer(d.opts.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case t, ok := <-d.queue:
			if !ok {
				d.retire()
				return
			}
			d.active.Add(1)
			d.run(t)
			d.active.Add(-1)
		case <-idle.C:
			d.mu.Lock()
			if d.workers > d.opts.CoreSize {
				d.workers--
				d.mu.Unlock()
				logging.Debugf("dispatch: idle worker retired")
				return
			}
			d.mu.Unlock()
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.opts.KeepAlive)
	}
}

func (d *Dispatcher) retire() {
	d.mu.Lock()
	d.workers--
	d.mu.Unlock()
}

func (d *Dispatcher) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("dispatch: task panicked: %v", r)
		}
		d.completed.Add(1)
	}()
	t(d.ctx)
}

// Shutdown stops accepting work and waits up to ShutdownTimeout for queued
// and running tasks. When the timeout passes or ctx ends first, running
// tasks are cancelled and Shutdown returns without waiting further.
// Calling it again is harmless.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.beginClose()
	timer := time.NewTimer(d.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-d.terminated:
	case <-timer.C:
		logging.Warnf("dispatch: tasks still running after %s, cancelling them", d.opts.ShutdownTimeout)
		d.cancel()
	case <-ctx.Done():
		logging.Warnf("dispatch: shutdown interrupted (%v), cancelling running tasks", ctx.Err())
		d.cancel()
	}
}

// ShutdownNow stops accepting work and cancels every task at once. Tasks
// still in the queue run with a cancelled context.
func (d *Dispatcher) ShutdownNow() {
	d.beginClose()
	d.cancel()
}

func (d *Dispatcher) beginClose() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.state = stateClosing
		close(d.queue)
		d.mu.Unlock()
		go func() {
			d.wg.Wait()
			d.terminate()
		}()
	})
}

func (d *Dispatcher) terminate() {
	d.cancel()
	d.mu.Lock()
	d.state = stateTerminated
	listeners := d.listeners
	d.listeners = nil
	d.mu.Unlock()
	close(d.terminated)
	for _, fn := range listeners {
		fn()
	}
	logging.Debugf("dispatch: terminated after %d tasks", d.completed.Load())
}

// OnTerminated registers fn to run once all work has finished after
// shutdown. If that already happened fn runs immediately.
func (d *Dispatcher) OnTerminated(fn func()) {
	d.mu.Lock()
	if d.state != stateTerminated {
		d.listeners = append(d.listeners, fn)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	fn()
}

// Terminated is closed when the dispatcher has fully stopped.
func (d *Dispatcher) Terminated() <-chan struct{} { return d.terminated }

// IsShutdown reports whether shutdown has been requested.
func (d *Dispatcher) IsShutdown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != stateRunning
}

// IsClosing reports whether shutdown was requested but work is still draining.
func (d *Dispatcher) IsClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateClosing
}

// IsTerminated reports whether every worker has exited after shutdown.
func (d *Dispatcher) IsTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateTerminated
}

// IsClosed is an alias of IsTerminated.
func (d *Dispatcher) IsClosed() bool { return d.IsTerminated() }

// Stats returns a snapshot of the pool and queue counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	workers := d.workers
	d.mu.Unlock()
	return Stats{
		Workers:    workers,
		Active:     int(d.active.Load()),
		Queued:     len(d.queue),
		CallerRuns: d.callerRuns.Load(),
		Completed:  d.completed.Load(),
	}
}

// Call runs fn on d and waits for its result. fn's context is cancelled when
// either ctx or the dispatcher is cancelled. Call always waits for fn to
// return so buffers handed to fn are not reused early.
func Call(ctx context.Context, d *Dispatcher, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := d.Submit(func(dctx context.Context) {
		tctx, cancel := context.WithCancel(dctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		if ctx.Err() != nil {
			cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("dispatch: task panicked: %v", r)
			}
		}()
		done <- fn(tctx)
	})
	if err != nil {
		return err
	}
	return <-done
}
