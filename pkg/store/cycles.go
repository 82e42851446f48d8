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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	kerrors "github.com/kibotos/kibotos/pkg/errors"
)

// OpenCycle atomically inserts a new ACTIVE cycle. Fails with ALREADY_ACTIVE
// if one exists; the partial unique index backstops racing writers.
func (s *Store) OpenCycle(ctx context.Context) (*Cycle, error) {
	var cycle Cycle
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing int64
		err := tx.GetContext(ctx, &existing, `SELECT id FROM cycles WHERE state = $1 FOR UPDATE`, CycleActive)
		if err == nil {
			return kerrors.New(kerrors.CodeAlreadyActive, "cycle %d is already active", existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking for active cycle, %w", err)
		}
		if err := tx.GetContext(ctx, &cycle,
			`INSERT INTO cycles (state, started_at) VALUES ($1, $2) RETURNING *`,
			CycleActive, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("inserting cycle, %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// CloseCycleToEvaluating transitions ACTIVE -> EVALUATING. Guarded by the
// current state; a racing writer observes WRONG_STATE and moves on.
func (s *Store) CloseCycleToEvaluating(ctx context.Context, cycleID int64) (*Cycle, error) {
	var cycle Cycle
	err := s.db.GetContext(ctx, &cycle,
		`UPDATE cycles SET state = $1, evaluating_at = $2 WHERE id = $3 AND state = $4 RETURNING *`,
		CycleEvaluating, s.clock.Now().UTC(), cycleID, CycleActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.wrongStateError(ctx, cycleID, CycleActive)
	}
	if err != nil {
		return nil, fmt.Errorf("closing cycle %d, %w", cycleID, err)
	}
	return &cycle, nil
}

// CompleteCycle transitions EVALUATING -> COMPLETED and persists the computed
// weights and per-miner scores in the same transaction. It re-verifies in that
// transaction that no submission in the cycle is non-terminal.
func (s *Store) CompleteCycle(ctx context.Context, cycleID int64, weights *CycleWeights, minerScores []MinerScore) (*Cycle, error) {
	var cycle Cycle
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &cycle, `SELECT * FROM cycles WHERE id = $1 FOR UPDATE`, cycleID)
		if errors.Is(err, sql.ErrNoRows) {
			return kerrors.New(kerrors.CodeNotFound, "cycle %d not found", cycleID)
		}
		if err != nil {
			return fmt.Errorf("locking cycle %d, %w", cycleID, err)
		}
		if cycle.State != CycleEvaluating {
			return kerrors.New(kerrors.CodeWrongState, "cycle %d is %s, not %s", cycleID, cycle.State, CycleEvaluating)
		}
		var pending int64
		if err := tx.GetContext(ctx, &pending,
			`SELECT COUNT(*) FROM submissions WHERE cycle_id = $1 AND state IN ($2, $3)`,
			cycleID, SubmissionPending, SubmissionEvaluating); err != nil {
			return fmt.Errorf("counting non-terminal submissions, %w", err)
		}
		if pending > 0 {
			return kerrors.New(kerrors.CodeHasPending, "cycle %d has %d non-terminal submissions", cycleID, pending)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cycle_weights (cycle_id, block_number, weights, weights_u16, created_at) VALUES ($1, $2, $3, $4, $5)`,
			cycleID, weights.BlockNumber, weights.Weights, weights.WeightsU16, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("inserting cycle weights, %w", err)
		}
		for _, ms := range minerScores {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO miner_scores (cycle_id, miner_uid, miner_hotkey, total_submissions, accepted_submissions, avg_score, total_score)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				cycleID, ms.MinerUID, ms.MinerHotkey, ms.TotalSubmissions, ms.AcceptedSubmissions, ms.AvgScore, ms.TotalScore); err != nil {
				return fmt.Errorf("inserting miner score for uid %d, %w", ms.MinerUID, err)
			}
		}
		if err := tx.GetContext(ctx, &cycle,
			`UPDATE cycles SET state = $1, completed_at = $2 WHERE id = $3 RETURNING *`,
			CycleCompleted, s.clock.Now().UTC(), cycleID); err != nil {
			return fmt.Errorf("completing cycle %d, %w", cycleID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// GetOpenCycle returns the ACTIVE cycle, or nil if none
func (s *Store) GetOpenCycle(ctx context.Context) (*Cycle, error) {
	var cycle Cycle
	err := s.db.GetContext(ctx, &cycle, `SELECT * FROM cycles WHERE state = $1`, CycleActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting open cycle, %w", err)
	}
	return &cycle, nil
}

func (s *Store) GetCycle(ctx context.Context, cycleID int64) (*Cycle, error) {
	var cycle Cycle
	err := s.db.GetContext(ctx, &cycle, `SELECT * FROM cycles WHERE id = $1`, cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.New(kerrors.CodeNotFound, "cycle %d not found", cycleID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting cycle %d, %w", cycleID, err)
	}
	return &cycle, nil
}

// GetCycleStatus returns the point-in-time view of the state machine
func (s *Store) GetCycleStatus(ctx context.Context) (*CycleStatus, error) {
	status := &CycleStatus{}
	for _, q := range []struct {
		dst   **Cycle
		query string
		args  []interface{}
	}{
		{&status.Active, `SELECT * FROM cycles WHERE state = $1`, []interface{}{CycleActive}},
		{&status.Evaluating, `SELECT * FROM cycles WHERE state = $1`, []interface{}{CycleEvaluating}},
		{&status.LastCompleted, `SELECT * FROM cycles WHERE state = $1 ORDER BY completed_at DESC LIMIT 1`, []interface{}{CycleCompleted}},
	} {
		var cycle Cycle
		err := s.db.GetContext(ctx, &cycle, q.query, q.args...)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting cycle status, %w", err)
		}
		*q.dst = &cycle
	}
	if err := s.db.GetContext(ctx, &status.Total, `SELECT COUNT(*) FROM cycles`); err != nil {
		return nil, fmt.Errorf("counting cycles, %w", err)
	}
	return status, nil
}

// CountNonterminalInCycle counts submissions still PENDING or EVALUATING
func (s *Store) CountNonterminalInCycle(ctx context.Context, cycleID int64) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM submissions WHERE cycle_id = $1 AND state IN ($2, $3)`,
		cycleID, SubmissionPending, SubmissionEvaluating); err != nil {
		return 0, fmt.Errorf("counting non-terminal submissions in cycle %d, %w", cycleID, err)
	}
	return count, nil
}

// wrongStateError reloads the cycle to distinguish a missing cycle from a
// guarded transition losing the race
func (s *Store) wrongStateError(ctx context.Context, cycleID int64, want CycleState) error {
	var cycle Cycle
	err := s.db.GetContext(ctx, &cycle, `SELECT * FROM cycles WHERE id = $1`, cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.New(kerrors.CodeNotFound, "cycle %d not found", cycleID)
	}
	if err != nil {
		return fmt.Errorf("getting cycle %d, %w", cycleID, err)
	}
	return kerrors.New(kerrors.CodeWrongState, "cycle %d is %s, not %s", cycleID, cycle.State, want)
}
