/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package evaluator runs the three-stage submission evaluation pipeline
// against work leased from the validator API
package evaluator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/providers/vlm"
	"github.com/kibotos/kibotos/pkg/store"
)

const (
	// maxVLMAttempts bounds how many lease rounds a submission may burn on
	// model outages before it is terminally rejected
	maxVLMAttempts = 3

	downloadTimeout = 2 * time.Minute
	relevanceBudget = 5 * time.Minute
)

type Options struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Concurrency   int
	WorkDir       string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 10 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

type Worker struct {
	api    API
	prober probe.Prober
	vlm    vlm.Provider
	clock  clock.Clock
	opts   Options
}

func NewWorker(api API, prober probe.Prober, vlmProvider vlm.Provider, clk clock.Clock, opts Options) *Worker {
	return &Worker{
		api:    api,
		prober: prober,
		vlm:    vlmProvider,
		clock:  clk,
		opts:   opts.withDefaults(),
	}
}

// Run leases and evaluates submissions until ctx is canceled. On shutdown the
// worker stops leasing and lets in-flight evaluations finish or be reclaimed
// through lease expiry.
func (w *Worker) Run(ctx context.Context) {
	logger := logging.FromContext(ctx).With(
		"batch-size", w.opts.BatchSize,
		"concurrency", w.opts.Concurrency,
		"lease-duration", w.opts.LeaseDuration)
	logger.Infof("starting the evaluation worker")
	for {
		if ctx.Err() != nil {
			logger.Infof("stopping the evaluation worker")
			return
		}
		n, err := w.runBatch(ctx)
		if err != nil {
			logger.Errorf("fetching work, %v", err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if n == 0 {
			w.sleep(ctx, w.opts.PollInterval)
		}
	}
}

// runBatch leases one batch and evaluates it with bounded parallelism,
// returning the number of items leased
func (w *Worker) runBatch(ctx context.Context) (int, error) {
	items, err := w.api.Fetch(ctx, w.opts.BatchSize, w.opts.LeaseDuration)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.opts.Concurrency)
	for i := range items {
		item := &items[i]
		group.Go(func() error {
			w.process(groupCtx, item)
			return nil
		})
	}
	_ = group.Wait()
	return len(items), nil
}

// process evaluates one leased submission and commits its outcome
func (w *Worker) process(ctx context.Context, item *v1.WorkItem) {
	logger := logging.FromContext(ctx).With("submission", item.Submission.UUID, "miner", item.Submission.MinerUID)
	start := w.clock.Now()

	outcome, err := w.evaluate(ctx, item)
	if err != nil {
		if ctx.Err() != nil || errors.IsLeaseLost(err) {
			// abandoned: the lease will expire and another worker re-leases
			logger.Debugf("abandoning submission, %v", err)
			processedCounter.WithLabelValues("abandoned", "").Inc()
			return
		}
		if errors.IsCode(err, errors.CodeVLMUnavailable) {
			if item.Submission.VLMAttempts < maxVLMAttempts-1 {
				// model outage, not a miner fault: release the lease so the
				// submission goes back to PENDING for a later round
				if err := w.api.Commit(ctx, &v1.OutcomeRequest{UUID: item.Submission.UUID, Release: true}); err != nil && !errors.IsLeaseLost(err) {
					logger.Errorf("releasing lease, %v", err)
				}
				logger.With("attempts", item.Submission.VLMAttempts+1).Infof("released submission after model outage")
				processedCounter.WithLabelValues("released", string(errors.CodeVLMUnavailable)).Inc()
				return
			}
			outcome = &v1.OutcomeRequest{
				UUID:     item.Submission.UUID,
				Rejected: &v1.RejectedOutcome{Reason: string(errors.CodeVLMUnavailable), Detail: err.Error()},
			}
		} else {
			// transient fault: leave the lease to expire and be re-leased
			logger.Errorf("evaluation failed, %v", err)
			processedCounter.WithLabelValues("abandoned", "").Inc()
			return
		}
	}

	if err := w.api.Commit(ctx, outcome); err != nil {
		if errors.IsLeaseLost(err) {
			logger.Debugf("lease lost before commit")
			processedCounter.WithLabelValues("abandoned", "").Inc()
			return
		}
		logger.Errorf("committing outcome, %v", err)
		processedCounter.WithLabelValues("error", "").Inc()
		return
	}
	evalDuration.Observe(w.clock.Since(start).Seconds())
	switch {
	case outcome.Scored != nil:
		final := store.ComposeFinalScore(outcome.Scored.Technical, outcome.Scored.Relevance, outcome.Scored.Quality)
		logger.With("final-score", final).Infof("scored submission")
		processedCounter.WithLabelValues("scored", "").Inc()
	case outcome.Rejected != nil:
		logger.With("reason", outcome.Rejected.Reason).Infof("rejected submission")
		processedCounter.WithLabelValues("rejected", outcome.Rejected.Reason).Inc()
	}
}

// withLeaseRenewal runs fn while a background loop keeps the lease alive,
// renewing whenever less than a quarter of the lease window remains. A failed
// renewal cancels fn; the work is discarded.
func (w *Worker) withLeaseRenewal(ctx context.Context, uuid string, expiresAt time.Time, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		expiry := expiresAt
		for {
			lead := expiry.Sub(w.clock.Now()) - w.opts.LeaseDuration/4
			if lead > 0 {
				select {
				case <-ctx.Done():
					return
				case <-w.clock.After(lead):
				}
			}
			renewed, err := w.api.Renew(ctx, uuid, w.opts.LeaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					logging.FromContext(ctx).With("submission", uuid).Debugf("lease renewal failed, %v", err)
				}
				cancel()
				return
			}
			expiry = renewed
		}
	}()
	return fn(ctx)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.clock.After(d):
	}
}
