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

// Package fake provides in-memory doubles for the store and the external
// providers, mirroring the persistence semantics closely enough that the
// scheduler, admission and API tests exercise real state transitions
package fake

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/store"
)

const DefaultRateLimit = 4

// InMemoryStore implements the store surface consumed by the scheduler,
// admission and the API server
type InMemoryStore struct {
	mu sync.Mutex

	clock       clock.Clock
	rateLimit   int
	nextCycleID int64

	cycles      []*store.Cycle
	prompts     map[string]*store.Prompt
	submissions map[string]*store.Submission
	evaluations map[string]*store.Evaluation
	weights     map[int64]*store.CycleWeights
	minerScores map[int64][]store.MinerScore

	// NextError fails the next store call when set
	NextError AtomicError
}

func NewInMemoryStore(clk clock.Clock) *InMemoryStore {
	return &InMemoryStore{
		clock:       clk,
		rateLimit:   DefaultRateLimit,
		nextCycleID: 1,
		prompts:     map[string]*store.Prompt{},
		submissions: map[string]*store.Submission{},
		evaluations: map[string]*store.Evaluation{},
		weights:     map[int64]*store.CycleWeights{},
		minerScores: map[int64][]store.MinerScore{},
	}
}

func (s *InMemoryStore) WithRateLimit(n int) *InMemoryStore {
	s.rateLimit = n
	return s
}

func (s *InMemoryStore) OpenCycle(_ context.Context) (*store.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	if s.activeLocked() != nil {
		return nil, errors.New(errors.CodeAlreadyActive, "a cycle is already active")
	}
	cycle := &store.Cycle{ID: s.nextCycleID, State: store.CycleActive, StartedAt: s.clock.Now().UTC()}
	s.nextCycleID++
	s.cycles = append(s.cycles, cycle)
	return lo.ToPtr(*cycle), nil
}

func (s *InMemoryStore) CloseCycleToEvaluating(_ context.Context, cycleID int64) (*store.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	cycle := s.cycleLocked(cycleID)
	if cycle == nil {
		return nil, errors.New(errors.CodeNotFound, "cycle %d does not exist", cycleID)
	}
	if cycle.State != store.CycleActive {
		return nil, errors.New(errors.CodeWrongState, "cycle %d is %s, not %s", cycleID, cycle.State, store.CycleActive)
	}
	cycle.State = store.CycleEvaluating
	cycle.EvaluatingAt = lo.ToPtr(s.clock.Now().UTC())
	return lo.ToPtr(*cycle), nil
}

func (s *InMemoryStore) CompleteCycle(_ context.Context, cycleID int64, weights *store.CycleWeights, minerScores []store.MinerScore) (*store.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	cycle := s.cycleLocked(cycleID)
	if cycle == nil {
		return nil, errors.New(errors.CodeNotFound, "cycle %d does not exist", cycleID)
	}
	if cycle.State != store.CycleEvaluating {
		return nil, errors.New(errors.CodeWrongState, "cycle %d is %s, not %s", cycleID, cycle.State, store.CycleEvaluating)
	}
	if n := s.countNonterminalLocked(cycleID); n > 0 {
		return nil, errors.New(errors.CodeHasPending, "cycle %d still has %d unevaluated submissions", cycleID, n)
	}
	now := s.clock.Now().UTC()
	stored := *weights
	stored.CreatedAt = now
	s.weights[cycleID] = &stored
	s.minerScores[cycleID] = minerScores
	cycle.State = store.CycleCompleted
	cycle.CompletedAt = lo.ToPtr(now)
	return lo.ToPtr(*cycle), nil
}

func (s *InMemoryStore) GetOpenCycle(_ context.Context) (*store.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycle := s.activeLocked(); cycle != nil {
		return lo.ToPtr(*cycle), nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetCycle(_ context.Context, cycleID int64) (*store.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycle := s.cycleLocked(cycleID); cycle != nil {
		return lo.ToPtr(*cycle), nil
	}
	return nil, errors.New(errors.CodeNotFound, "cycle %d does not exist", cycleID)
}

func (s *InMemoryStore) GetCycleStatus(_ context.Context) (*store.CycleStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	status := &store.CycleStatus{Total: int64(len(s.cycles))}
	for _, cycle := range s.cycles {
		switch cycle.State {
		case store.CycleActive:
			status.Active = lo.ToPtr(*cycle)
		case store.CycleEvaluating:
			status.Evaluating = lo.ToPtr(*cycle)
		case store.CycleCompleted:
			if status.LastCompleted == nil || cycle.ID > status.LastCompleted.ID {
				status.LastCompleted = lo.ToPtr(*cycle)
			}
		}
	}
	return status, nil
}

func (s *InMemoryStore) CountNonterminalInCycle(_ context.Context, cycleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return 0, err
	}
	return s.countNonterminalLocked(cycleID), nil
}

func (s *InMemoryStore) CreatePrompt(_ context.Context, prompt *store.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[prompt.ID]; ok {
		return errors.New(errors.CodeValidation, "prompt %q already exists", prompt.ID)
	}
	prompt.CreatedAt = s.clock.Now().UTC()
	s.prompts[prompt.ID] = lo.ToPtr(*prompt)
	return nil
}

func (s *InMemoryStore) GetPrompt(_ context.Context, id string) (*store.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt, ok := s.prompts[id]; ok {
		return lo.ToPtr(*prompt), nil
	}
	return nil, errors.New(errors.CodeNotFound, "prompt %q does not exist", id)
}

func (s *InMemoryStore) ListPrompts(_ context.Context, category string) ([]store.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Prompt
	for _, prompt := range s.prompts {
		if prompt.Active && (category == "" || prompt.Category == category) {
			out = append(out, *prompt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListCategories(_ context.Context) ([]store.CategoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int64{}
	for _, prompt := range s.prompts {
		if prompt.Active {
			counts[prompt.Category]++
		}
	}
	out := lo.MapToSlice(counts, func(category string, count int64) store.CategoryCount {
		return store.CategoryCount{Category: category, Count: count}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *InMemoryStore) AdmitSubmission(_ context.Context, sub *store.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return err
	}
	active := s.activeLocked()
	if active == nil {
		return errors.New(errors.CodeNoOpenCycle, "no open cycle")
	}
	cutoff := s.clock.Now().Add(-time.Hour)
	var recent int
	for _, existing := range s.submissions {
		if existing.MinerUID == sub.MinerUID && existing.SubmittedAt.After(cutoff) {
			recent++
		}
	}
	if recent >= s.rateLimit {
		return errors.New(errors.CodeRateLimited, "miner %d exceeded %d submissions per hour", sub.MinerUID, s.rateLimit)
	}
	prompt, ok := s.prompts[sub.PromptID]
	if !ok || !prompt.Active {
		return errors.New(errors.CodeUnknownPrompt, "prompt %q is not active", sub.PromptID)
	}
	sub.CycleID = active.ID
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.clock.Now().UTC()
	}
	s.submissions[sub.UUID] = lo.ToPtr(*sub)
	prompt.TotalSubmissions++
	return nil
}

func (s *InMemoryStore) HasDuplicate(_ context.Context, minerUID int64, videoHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.submissions {
		if sub.MinerUID == minerUID && strings.EqualFold(sub.VideoHash, videoHash) && sub.State != store.SubmissionRejected {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) GetSubmission(_ context.Context, uuid string) (*store.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.submissions[uuid]; ok {
		return lo.ToPtr(*sub), nil
	}
	return nil, errors.New(errors.CodeNotFound, "submission %q does not exist", uuid)
}

func (s *InMemoryStore) GetEvaluation(_ context.Context, uuid string) (*store.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eval, ok := s.evaluations[uuid]; ok {
		return lo.ToPtr(*eval), nil
	}
	return nil, nil
}

func (s *InMemoryStore) LeasePending(_ context.Context, workerID string, n int, leaseDuration time.Duration) ([]store.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	candidates := lo.Filter(lo.Values(s.submissions), func(sub *store.Submission, _ int) bool {
		if sub.State == store.SubmissionPending {
			return true
		}
		return sub.State == store.SubmissionEvaluating && sub.LeaseExpiresAt != nil && sub.LeaseExpiresAt.Before(now)
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt) })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	leased := make([]store.Submission, 0, len(candidates))
	for _, sub := range candidates {
		sub.State = store.SubmissionEvaluating
		sub.LeaseOwner = lo.ToPtr(workerID)
		sub.LeaseExpiresAt = lo.ToPtr(now.Add(leaseDuration))
		leased = append(leased, *sub)
	}
	return leased, nil
}

func (s *InMemoryStore) RenewLease(_ context.Context, workerID, uuid string, leaseDuration time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.leasedLocked(workerID, uuid)
	if err != nil {
		return time.Time{}, err
	}
	expiry := s.clock.Now().UTC().Add(leaseDuration)
	sub.LeaseExpiresAt = lo.ToPtr(expiry)
	return expiry, nil
}

func (s *InMemoryStore) ReleaseLease(_ context.Context, workerID, uuid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.leasedLocked(workerID, uuid)
	if err != nil {
		return 0, err
	}
	sub.State = store.SubmissionPending
	sub.LeaseOwner = nil
	sub.LeaseExpiresAt = nil
	sub.VLMAttempts++
	return sub.VLMAttempts, nil
}

func (s *InMemoryStore) CommitEvaluation(_ context.Context, workerID, uuid string, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return err
	}
	sub, err := s.leasedLocked(workerID, uuid)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	sub.LeaseOwner = nil
	sub.LeaseExpiresAt = nil
	sub.EvaluatedAt = lo.ToPtr(now)
	switch {
	case outcome.Scored != nil:
		sub.State = store.SubmissionScored
		if outcome.Scored.PHash != "" {
			sub.VideoPHash = lo.ToPtr(outcome.Scored.PHash)
		}
		s.evaluations[uuid] = &store.Evaluation{
			SubmissionUUID: uuid,
			TechnicalScore: outcome.Scored.Technical,
			RelevanceScore: outcome.Scored.Relevance,
			QualityScore:   outcome.Scored.Quality,
			FinalScore:     store.ComposeFinalScore(outcome.Scored.Technical, outcome.Scored.Relevance, outcome.Scored.Quality),
			Details:        outcome.Scored.Details,
			CreatedAt:      now,
		}
	case outcome.Rejected != nil:
		sub.State = store.SubmissionRejected
		sub.RejectionReason = lo.ToPtr(outcome.Rejected.Reason)
	default:
		return errors.New(errors.CodeValidation, "outcome must be scored or rejected")
	}
	return nil
}

func (s *InMemoryStore) ScoredFinalScores(_ context.Context, cycleID int64) ([]store.ScoredSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	var out []store.ScoredSubmission
	for uuid, sub := range s.submissions {
		if sub.CycleID != cycleID || sub.State != store.SubmissionScored {
			continue
		}
		eval, ok := s.evaluations[uuid]
		if !ok {
			continue
		}
		out = append(out, store.ScoredSubmission{MinerUID: sub.MinerUID, MinerHotkey: sub.MinerHotkey, FinalScore: eval.FinalScore})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerUID < out[j].MinerUID })
	return out, nil
}

func (s *InMemoryStore) DedupWindow(_ context.Context, minerUID int64, cycleIDs []int64, globalLimit int) ([]store.PHashRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var own, global []store.PHashRecord
	for uuid, sub := range s.submissions {
		if sub.State != store.SubmissionScored || sub.VideoPHash == nil || !lo.Contains(cycleIDs, sub.CycleID) {
			continue
		}
		record := store.PHashRecord{UUID: uuid, MinerUID: sub.MinerUID, PHash: *sub.VideoPHash}
		if sub.MinerUID == minerUID {
			own = append(own, record)
		} else if len(global) < globalLimit {
			global = append(global, record)
		}
	}
	return append(own, global...), nil
}

func (s *InMemoryStore) GetWeights(_ context.Context, cycleID int64) (*store.CycleWeights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if weights, ok := s.weights[cycleID]; ok {
		return lo.ToPtr(*weights), nil
	}
	return nil, errors.New(errors.CodeNotFound, "no weights for cycle %d", cycleID)
}

func (s *InMemoryStore) GetLatestWeights(_ context.Context) (*store.CycleWeights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.weights)
	if len(ids) == 0 {
		return nil, errors.New(errors.CodeNotFound, "no completed cycle yet")
	}
	return lo.ToPtr(*s.weights[lo.Max(ids)]), nil
}

func (s *InMemoryStore) GetMinerScores(_ context.Context, cycleID int64) ([]store.MinerScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minerScores[cycleID], nil
}

func (s *InMemoryStore) activeLocked() *store.Cycle {
	for _, cycle := range s.cycles {
		if cycle.State == store.CycleActive {
			return cycle
		}
	}
	return nil
}

func (s *InMemoryStore) cycleLocked(cycleID int64) *store.Cycle {
	for _, cycle := range s.cycles {
		if cycle.ID == cycleID {
			return cycle
		}
	}
	return nil
}

func (s *InMemoryStore) countNonterminalLocked(cycleID int64) int64 {
	var n int64
	for _, sub := range s.submissions {
		if sub.CycleID == cycleID && !sub.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) leasedLocked(workerID, uuid string) (*store.Submission, error) {
	sub, ok := s.submissions[uuid]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "submission %q does not exist", uuid)
	}
	if sub.State != store.SubmissionEvaluating || sub.LeaseOwner == nil || *sub.LeaseOwner != workerID {
		return nil, errors.New(errors.CodeLeaseLost, "worker %q no longer holds the lease on %q", workerID, uuid)
	}
	return sub, nil
}
