// Package runner drives the pipeline's batch jobs on independent tickers.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"busrate/internal/headway"
	"busrate/internal/ingest"
)

// Job is one periodic batch operation.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner runs each job immediately and then on its own ticker until stopped.
// A job that overruns its period delays its next tick; jobs never overlap
// with themselves.
type Runner struct {
	jobs []Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

func New(jobs ...Job) *Runner {
	return &Runner{jobs: jobs}
}

func (r *Runner) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg = conc.NewWaitGroup()
	for _, j := range r.jobs {
		if j.Every <= 0 {
			log.Warn().Str("job", j.Name).Msg("job disabled; no interval")
			continue
		}
		r.wg.Go(func() { loop(ctx, j) })
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, wg := r.cancel, r.wg
	r.cancel, r.wg = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

// Run starts the jobs and blocks until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	r.Start(ctx)
	<-ctx.Done()
	r.Stop()
}

func loop(ctx context.Context, j Job) {
	runOnce(ctx, j)
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, j)
		}
	}
}

func runOnce(ctx context.Context, j Job) {
	err := j.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrRateLimited), errors.Is(err, headway.ErrPassInProgress):
		log.Info().Str("job", j.Name).Err(err).Msg("job skipped")
	case ctx.Err() != nil:
		log.Debug().Str("job", j.Name).Err(err).Msg("job cancelled")
	default:
		log.Error().Str("job", j.Name).Err(err).Msg("job failed")
	}
}
