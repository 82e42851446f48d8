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

func (s *Store) CreatePrompt(ctx context.Context, prompt *Prompt) error {
	prompt.CreatedAt = s.clock.Now().UTC()
	prompt.Active = true
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM prompts WHERE id = $1)`, prompt.ID); err != nil {
		return fmt.Errorf("checking prompt %q, %w", prompt.ID, err)
	}
	if exists {
		return kerrors.New(kerrors.CodeValidation, "prompt %q already exists", prompt.ID)
	}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO prompts (id, category, task, scenario, requirements, weight, active, created_at)
		 VALUES (:id, :category, :task, :scenario, :requirements, :weight, :active, :created_at)`,
		prompt); err != nil {
		return fmt.Errorf("inserting prompt %q, %w", prompt.ID, err)
	}
	return nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	var prompt Prompt
	err := s.db.GetContext(ctx, &prompt, `SELECT * FROM prompts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.New(kerrors.CodeNotFound, "prompt %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting prompt %q, %w", id, err)
	}
	return &prompt, nil
}

// ListPrompts returns active prompts, optionally filtered by category
func (s *Store) ListPrompts(ctx context.Context, category string) ([]Prompt, error) {
	query := `SELECT * FROM prompts WHERE active ORDER BY created_at DESC`
	args := []interface{}{}
	if category != "" {
		query = `SELECT * FROM prompts WHERE active AND category = $1 ORDER BY created_at DESC`
		args = append(args, category)
	}
	var prompts []Prompt
	if err := s.db.SelectContext(ctx, &prompts, query, args...); err != nil {
		return nil, fmt.Errorf("listing prompts, %w", err)
	}
	return prompts, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]CategoryCount, error) {
	var counts []CategoryCount
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT category, COUNT(*) AS count FROM prompts WHERE active GROUP BY category ORDER BY category`); err != nil {
		return nil, fmt.Errorf("listing categories, %w", err)
	}
	return counts, nil
}
