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

// Package scheduler drives the cycle state machine. It is the single writer
// of cycle transitions; the store's guarded transitions make a second
// accidental instance lose races harmlessly, but operators run exactly one.
package scheduler

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/store"
)

// Store is the slice of the store the scheduler drives
type Store interface {
	GetCycleStatus(ctx context.Context) (*store.CycleStatus, error)
	OpenCycle(ctx context.Context) (*store.Cycle, error)
	CloseCycleToEvaluating(ctx context.Context, cycleID int64) (*store.Cycle, error)
	CompleteCycle(ctx context.Context, cycleID int64, weights *store.CycleWeights, minerScores []store.MinerScore) (*store.Cycle, error)
	CountNonterminalInCycle(ctx context.Context, cycleID int64) (int64, error)
	ScoredFinalScores(ctx context.Context, cycleID int64) ([]store.ScoredSubmission, error)
}

type Options struct {
	CycleDuration time.Duration
	CheckInterval time.Duration
	AutoStart     bool
}

type Scheduler struct {
	store Store
	clock clock.WithTicker
	opts  Options
}

func New(s Store, clk clock.WithTicker, opts Options) *Scheduler {
	if opts.CycleDuration <= 0 {
		opts.CycleDuration = 60 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	return &Scheduler{store: s, clock: clk, opts: opts}
}

// Run loops until ctx is canceled. Shutdown is cooperative: the loop only
// exits between ticks, never mid-transition.
func (s *Scheduler) Run(ctx context.Context) {
	logging.FromContext(ctx).With(
		"cycle-duration", s.opts.CycleDuration,
		"check-interval", s.opts.CheckInterval,
		"auto-start", s.opts.AutoStart).Infof("starting the cycle scheduler")
	ticker := s.clock.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil {
			logging.FromContext(ctx).Errorf("scheduler tick, %v", err)
		}
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Infof("stopping the cycle scheduler")
			return
		case <-ticker.C():
		}
	}
}

// Tick runs one scheduler iteration: open a cycle if auto-start wants one,
// close an expired ACTIVE cycle, and complete a drained EVALUATING cycle.
func (s *Scheduler) Tick(ctx context.Context) error {
	status, err := s.store.GetCycleStatus(ctx)
	if err != nil {
		return err
	}

	if status.Active == nil && s.opts.AutoStart {
		cycle, err := s.store.OpenCycle(ctx)
		if err != nil {
			if errors.IsCode(err, errors.CodeAlreadyActive) {
				// another writer got there first
				logging.FromContext(ctx).Debugf("open cycle lost race, %v", err)
			} else {
				return err
			}
		} else {
			logging.FromContext(ctx).With("cycle", cycle.ID).Infof("opened cycle")
			transitionsCounter.WithLabelValues(string(store.CycleActive)).Inc()
			status.Active = cycle
		}
	}

	if status.Active != nil && s.clock.Now().Sub(status.Active.StartedAt) >= s.opts.CycleDuration {
		cycle, err := s.store.CloseCycleToEvaluating(ctx, status.Active.ID)
		if err != nil {
			if errors.IsCode(err, errors.CodeWrongState) {
				logging.FromContext(ctx).Debugf("close cycle lost race, %v", err)
			} else {
				return err
			}
		} else {
			logging.FromContext(ctx).With("cycle", cycle.ID).Infof("cycle now evaluating")
			transitionsCounter.WithLabelValues(string(store.CycleEvaluating)).Inc()
			status.Evaluating = cycle
		}
	}

	if status.Evaluating != nil {
		return s.tryComplete(ctx, status.Evaluating.ID)
	}
	return nil
}

// tryComplete completes an EVALUATING cycle once every submission in it has
// reached a terminal state. Aggregation is deferred until then.
func (s *Scheduler) tryComplete(ctx context.Context, cycleID int64) error {
	pending, err := s.store.CountNonterminalInCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if pending > 0 {
		logging.FromContext(ctx).With("cycle", cycleID, "pending", pending).Debugf("waiting for evaluations")
		return nil
	}

	scored, err := s.store.ScoredFinalScores(ctx, cycleID)
	if err != nil {
		return err
	}
	weights, minerScores := Aggregate(scored)
	cycleWeights := &store.CycleWeights{
		CycleID:    cycleID,
		Weights:    weights,
		WeightsU16: ToU16(weights),
	}
	if _, err := s.store.CompleteCycle(ctx, cycleID, cycleWeights, minerScores); err != nil {
		if errors.IsCode(err, errors.CodeWrongState) || errors.IsCode(err, errors.CodeHasPending) {
			logging.FromContext(ctx).Debugf("complete cycle lost race, %v", err)
			return nil
		}
		return err
	}
	logging.FromContext(ctx).With("cycle", cycleID, "miners", len(weights)).Infof("completed cycle")
	transitionsCounter.WithLabelValues(string(store.CycleCompleted)).Inc()
	return nil
}
