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
	"time"

	"github.com/jmoiron/sqlx"

	kerrors "github.com/kibotos/kibotos/pkg/errors"
)

// AdmitSubmission inserts sub in state PENDING bound to the currently ACTIVE
// cycle. The active-cycle re-read, rate-limit increment and prompt-active
// check all happen in one transaction so partial failures never leak budget.
// Per-miner admissions are serialized with an advisory lock so the rolling
// window holds under arbitrary concurrency.
func (s *Store) AdmitSubmission(ctx context.Context, sub *Submission) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cycle Cycle
		err := tx.GetContext(ctx, &cycle, `SELECT * FROM cycles WHERE state = $1 FOR SHARE`, CycleActive)
		if errors.Is(err, sql.ErrNoRows) {
			return kerrors.New(kerrors.CodeNoOpenCycle, "no open cycle")
		}
		if err != nil {
			return fmt.Errorf("reading active cycle, %w", err)
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, sub.MinerUID); err != nil {
			return fmt.Errorf("locking miner %d, %w", sub.MinerUID, err)
		}
		var accepted int
		if err := tx.GetContext(ctx, &accepted,
			`SELECT COALESCE(SUM(count), 0) FROM miner_rate_counters WHERE miner_uid = $1 AND window_start > $2`,
			sub.MinerUID, now.Add(-time.Hour)); err != nil {
			return fmt.Errorf("reading rate counters for miner %d, %w", sub.MinerUID, err)
		}
		if accepted >= s.rateLimit {
			return kerrors.New(kerrors.CodeRateLimited, "miner %d exceeded %d submissions per hour", sub.MinerUID, s.rateLimit)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO miner_rate_counters (miner_uid, window_start, count) VALUES ($1, $2, 1)
			 ON CONFLICT (miner_uid, window_start) DO UPDATE SET count = miner_rate_counters.count + 1`,
			sub.MinerUID, now.Truncate(rateBucket)); err != nil {
			return fmt.Errorf("incrementing rate counter for miner %d, %w", sub.MinerUID, err)
		}

		var promptActive bool
		err = tx.GetContext(ctx, &promptActive, `SELECT active FROM prompts WHERE id = $1`, sub.PromptID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !promptActive) {
			return kerrors.New(kerrors.CodeUnknownPrompt, "prompt %q not found or inactive", sub.PromptID)
		}
		if err != nil {
			return fmt.Errorf("reading prompt %q, %w", sub.PromptID, err)
		}

		sub.CycleID = cycle.ID
		sub.State = SubmissionPending
		sub.SubmittedAt = now
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO submissions (uuid, cycle_id, prompt_id, miner_uid, miner_hotkey, video_key, video_hash,
				duration_sec, width, height, fps, camera_type, actor_type, action_description, signature, state, submitted_at)
			 VALUES (:uuid, :cycle_id, :prompt_id, :miner_uid, :miner_hotkey, :video_key, :video_hash,
				:duration_sec, :width, :height, :fps, :camera_type, :actor_type, :action_description, :signature, :state, :submitted_at)`,
			sub); err != nil {
			return fmt.Errorf("inserting submission %s, %w", sub.UUID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompts SET total_submissions = total_submissions + 1 WHERE id = $1`, sub.PromptID); err != nil {
			return fmt.Errorf("bumping prompt submission count, %w", err)
		}
		return nil
	})
}

// HasDuplicate reports whether any non-rejected submission in any cycle
// already carries this (miner, hash) pair
func (s *Store) HasDuplicate(ctx context.Context, minerUID int64, videoHash string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE miner_uid = $1 AND video_hash = $2 AND state <> $3)`,
		minerUID, videoHash, SubmissionRejected); err != nil {
		return false, fmt.Errorf("checking duplicate for miner %d, %w", minerUID, err)
	}
	return exists, nil
}

func (s *Store) GetSubmission(ctx context.Context, uuid string) (*Submission, error) {
	var sub Submission
	err := s.db.GetContext(ctx, &sub, `SELECT * FROM submissions WHERE uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.New(kerrors.CodeNotFound, "submission %s not found", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("getting submission %s, %w", uuid, err)
	}
	return &sub, nil
}

// GetEvaluation returns the evaluation for uuid, or nil if the submission has
// not been scored
func (s *Store) GetEvaluation(ctx context.Context, uuid string) (*Evaluation, error) {
	var eval Evaluation
	err := s.db.GetContext(ctx, &eval, `SELECT * FROM evaluations WHERE submission_uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting evaluation for %s, %w", uuid, err)
	}
	return &eval, nil
}

// LeasePending claims up to n submissions for workerID: PENDING ones plus
// EVALUATING ones whose lease expired (crashed workers). SKIP LOCKED keeps
// concurrent workers' lease sets disjoint.
func (s *Store) LeasePending(ctx context.Context, workerID string, n int, leaseDuration time.Duration) ([]Submission, error) {
	now := s.clock.Now().UTC()
	var leased []Submission
	err := s.db.SelectContext(ctx, &leased, `
		WITH next AS (
			SELECT uuid FROM submissions
			WHERE state = $1 OR (state = $2 AND lease_expires_at < $3)
			ORDER BY submitted_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE submissions s SET state = $2, lease_owner = $5, lease_expires_at = $6
		FROM next WHERE s.uuid = next.uuid
		RETURNING s.*`,
		SubmissionPending, SubmissionEvaluating, now, n, workerID, now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("leasing submissions for worker %s, %w", workerID, err)
	}
	leasedGauge.Set(float64(len(leased)))
	return leased, nil
}

// RenewLease extends workerID's lease on uuid. Fails with LEASE_LOST if the
// worker no longer holds it.
func (s *Store) RenewLease(ctx context.Context, workerID, uuid string, leaseDuration time.Duration) (time.Time, error) {
	expires := s.clock.Now().UTC().Add(leaseDuration)
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET lease_expires_at = $1 WHERE uuid = $2 AND lease_owner = $3 AND state = $4`,
		expires, uuid, workerID, SubmissionEvaluating)
	if err != nil {
		return time.Time{}, fmt.Errorf("renewing lease on %s, %w", uuid, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return time.Time{}, kerrors.New(kerrors.CodeLeaseLost, "worker %s no longer holds %s", workerID, uuid)
	}
	return expires, nil
}

// ReleaseLease puts a leased submission back to PENDING without a terminal
// commit, bumping its attempt counter. Used when the VLM is unavailable so the
// submission is reconsidered later instead of being rejected for an infra
// fault. Returns the new attempt count.
func (s *Store) ReleaseLease(ctx context.Context, workerID, uuid string) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts,
		`UPDATE submissions SET state = $1, lease_owner = NULL, lease_expires_at = NULL, vlm_attempts = vlm_attempts + 1
		 WHERE uuid = $2 AND lease_owner = $3 AND state = $4
		 RETURNING vlm_attempts`,
		SubmissionPending, uuid, workerID, SubmissionEvaluating)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, kerrors.New(kerrors.CodeLeaseLost, "worker %s no longer holds %s", workerID, uuid)
	}
	if err != nil {
		return 0, fmt.Errorf("releasing lease on %s, %w", uuid, err)
	}
	return attempts, nil
}

// CommitEvaluation transitions a leased submission to its terminal state and,
// when scored, writes the Evaluation in the same transaction. Guarded by
// lease ownership: a worker that lost its lease gets LEASE_LOST and its
// partial work is discarded.
func (s *Store) CommitEvaluation(ctx context.Context, workerID, uuid string, outcome Outcome) error {
	if (outcome.Scored == nil) == (outcome.Rejected == nil) {
		return fmt.Errorf("outcome must be exactly one of scored or rejected")
	}
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		state := SubmissionScored
		var reason *string
		var phash *string
		if outcome.Rejected != nil {
			state = SubmissionRejected
			reason = &outcome.Rejected.Reason
		} else if outcome.Scored.PHash != "" {
			phash = &outcome.Scored.PHash
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE submissions SET state = $1, evaluated_at = $2, rejection_reason = $3, video_phash = $4,
				lease_owner = NULL, lease_expires_at = NULL
			 WHERE uuid = $5 AND lease_owner = $6 AND state = $7`,
			state, now, reason, phash, uuid, workerID, SubmissionEvaluating)
		if err != nil {
			return fmt.Errorf("committing evaluation for %s, %w", uuid, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return kerrors.New(kerrors.CodeLeaseLost, "worker %s no longer holds %s", workerID, uuid)
		}
		if outcome.Scored != nil {
			sc := outcome.Scored
			final := ComposeFinalScore(sc.Technical, sc.Relevance, sc.Quality)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO evaluations (submission_uuid, technical_score, relevance_score, quality_score, final_score, details, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid, sc.Technical, sc.Relevance, sc.Quality, final, sc.Details, now); err != nil {
				return fmt.Errorf("inserting evaluation for %s, %w", uuid, err)
			}
		}
		committedCounter.WithLabelValues(string(state)).Inc()
		return nil
	})
}

// ScoredFinalScores returns (miner_uid, final_score) pairs for all SCORED
// submissions in a cycle, the aggregator's input
func (s *Store) ScoredFinalScores(ctx context.Context, cycleID int64) ([]ScoredSubmission, error) {
	var rows []ScoredSubmission
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT s.miner_uid, s.miner_hotkey, e.final_score
		FROM submissions s JOIN evaluations e ON e.submission_uuid = s.uuid
		WHERE s.cycle_id = $1 AND s.state = $2
		ORDER BY s.miner_uid ASC`,
		cycleID, SubmissionScored); err != nil {
		return nil, fmt.Errorf("reading scored submissions for cycle %d, %w", cycleID, err)
	}
	return rows, nil
}

// DedupWindow returns the perceptual hashes of SCORED submissions in the given
// cycles: all of the miner's own plus the most recent global ones
func (s *Store) DedupWindow(ctx context.Context, minerUID int64, cycleIDs []int64, globalLimit int) ([]PHashRecord, error) {
	if len(cycleIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		(SELECT uuid, miner_uid, video_phash FROM submissions
		 WHERE cycle_id IN (?) AND state = ? AND video_phash IS NOT NULL AND miner_uid = ?)
		UNION
		(SELECT uuid, miner_uid, video_phash FROM submissions
		 WHERE cycle_id IN (?) AND state = ? AND video_phash IS NOT NULL
		 ORDER BY evaluated_at DESC LIMIT ?)`,
		cycleIDs, SubmissionScored, minerUID, cycleIDs, SubmissionScored, globalLimit)
	if err != nil {
		return nil, fmt.Errorf("building dedup window query, %w", err)
	}
	var records []PHashRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("reading dedup window for miner %d, %w", minerUID, err)
	}
	return records, nil
}

// ScoredSubmission is one aggregator input row
type ScoredSubmission struct {
	MinerUID    int64   `db:"miner_uid"`
	MinerHotkey string  `db:"miner_hotkey"`
	FinalScore  float64 `db:"final_score"`
}
