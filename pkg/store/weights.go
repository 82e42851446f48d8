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

	kerrors "github.com/kibotos/kibotos/pkg/errors"
)

func (s *Store) GetWeights(ctx context.Context, cycleID int64) (*CycleWeights, error) {
	var weights CycleWeights
	err := s.db.GetContext(ctx, &weights, `SELECT * FROM cycle_weights WHERE cycle_id = $1`, cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.New(kerrors.CodeNotFound, "no weights for cycle %d", cycleID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting weights for cycle %d, %w", cycleID, err)
	}
	return &weights, nil
}

func (s *Store) GetLatestWeights(ctx context.Context) (*CycleWeights, error) {
	var weights CycleWeights
	err := s.db.GetContext(ctx, &weights, `SELECT * FROM cycle_weights ORDER BY created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.New(kerrors.CodeNotFound, "no computed weights")
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest weights, %w", err)
	}
	return &weights, nil
}

// GetMinerScores returns the per-miner aggregates for a completed cycle,
// highest total first
func (s *Store) GetMinerScores(ctx context.Context, cycleID int64) ([]MinerScore, error) {
	var scores []MinerScore
	if err := s.db.SelectContext(ctx, &scores,
		`SELECT * FROM miner_scores WHERE cycle_id = $1 ORDER BY total_score DESC NULLS LAST`, cycleID); err != nil {
		return nil, fmt.Errorf("getting miner scores for cycle %d, %w", cycleID, err)
	}
	return scores, nil
}
