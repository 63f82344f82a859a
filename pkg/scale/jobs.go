package scale

import (
	"context"
	"fmt"
	"time"

	"github.com/itohio/grindscale/pkg/monitoring"
)

// job is a request executed on a worker goroutine. done is nil for fire and
// forget requests, otherwise it receives exactly one result.
type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// run executes the job with a context cancelled by either the requester or
// the worker.
func (j job) run(workerCtx context.Context) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(workerCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		if err := workerCtx.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return j.fn(ctx)
	}()

	if j.done != nil {
		j.done <- err
		return
	}
	if err != nil {
		monitoring.Logf("scale: request failed: %v", err)
	}
}

// drain runs every job already queued.
func (s *Scale) drain(ctx context.Context, queue chan job) {
	for {
		select {
		case j := <-queue:
			j.run(ctx)
		default:
			return
		}
	}
}

// enqueue hands fn to the worker reading queue and waits for its result.
func (s *Scale) enqueue(ctx context.Context, queue chan job, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// Submit runs fn on the sampling worker, the only goroutine allowed to read
// the channels, and returns its error.
func (s *Scale) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.enqueue(ctx, s.sampleJobs, fn)
}

// onStatus runs fn on the status worker, serialized with the grind state
// machine.
func (s *Scale) onStatus(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.enqueue(ctx, s.statusJobs, fn)
}

// RequestTare queues a tare of every channel without waiting for it. It
// returns false when the queue is full.
func (s *Scale) RequestTare() bool {
	j := job{
		ctx: context.Background(),
		fn: func(ctx context.Context) error {
			return s.calib.Tare(ctx, true)
		},
	}
	select {
	case s.sampleJobs <- j:
		return true
	default:
		monitoring.Logf("scale: sampling queue full, tare request dropped")
		return false
	}
}

// FreshGrams takes an unfiltered average of every channel on the sampling
// worker.
func (s *Scale) FreshGrams(ctx context.Context, samples int, timeout time.Duration) (float64, error) {
	var grams float64
	err := s.Submit(ctx, func(context.Context) error {
		grams = s.engine.FreshGrams(samples, timeout)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return grams, nil
}
