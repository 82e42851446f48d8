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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type CycleState string

const (
	CycleActive     CycleState = "ACTIVE"
	CycleEvaluating CycleState = "EVALUATING"
	CycleCompleted  CycleState = "COMPLETED"
)

type SubmissionState string

const (
	SubmissionPending    SubmissionState = "PENDING"
	SubmissionEvaluating SubmissionState = "EVALUATING"
	SubmissionScored     SubmissionState = "SCORED"
	SubmissionRejected   SubmissionState = "REJECTED"
)

// IsTerminal returns true for states that never change again
func (s SubmissionState) IsTerminal() bool {
	return s == SubmissionScored || s == SubmissionRejected
}

// Final score composition weights. Kept in one place so re-weighting never
// touches the pipeline.
const (
	TechnicalWeight = 0.2
	RelevanceWeight = 0.5
	QualityWeight   = 0.3
)

// ComposeFinalScore folds the three stage scores into the final score
func ComposeFinalScore(technical, relevance, quality float64) float64 {
	return TechnicalWeight*technical + RelevanceWeight*relevance + QualityWeight*quality
}

var CameraTypes = []string{"ego_head", "ego_chest", "ego_wrist", "robot_head", "robot_wrist"}

var ActorTypes = []string{"human", "robot", "human_with_robot"}

// Cycle is one fixed-duration collection window. At most one cycle is ACTIVE
// and at most one is EVALUATING at any time; both are enforced by partial
// unique indexes in the schema.
type Cycle struct {
	ID           int64      `db:"id" json:"id"`
	State        CycleState `db:"state" json:"state"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	EvaluatingAt *time.Time `db:"evaluating_at" json:"evaluating_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Requirements are per-prompt overrides of the default technical limits
type Requirements struct {
	MinDurationSec float64 `json:"min_duration,omitempty"`
	MaxDurationSec float64 `json:"max_duration,omitempty"`
	MinWidth       int     `json:"min_width,omitempty"`
	MinHeight      int     `json:"min_height,omitempty"`
	MinFPS         float64 `json:"min_fps,omitempty"`
	MaxFPS         float64 `json:"max_fps,omitempty"`
	MaxFileSizeMB  int64   `json:"max_file_size_mb,omitempty"`
}

func (r Requirements) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *Requirements) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// Prompt describes a task miners fulfill. Immutable after creation except Active.
type Prompt struct {
	ID               string       `db:"id" json:"id"`
	Category         string       `db:"category" json:"category"`
	Task             string       `db:"task" json:"task"`
	Scenario         string       `db:"scenario" json:"scenario"`
	Requirements     Requirements `db:"requirements" json:"requirements"`
	Weight           float64      `db:"weight" json:"weight"`
	Active           bool         `db:"active" json:"active"`
	TotalSubmissions int64        `db:"total_submissions" json:"total_submissions"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Count    int64  `db:"count" json:"count"`
}

// Submission is one miner-supplied video bound to exactly one cycle
type Submission struct {
	UUID              string          `db:"uuid" json:"uuid"`
	CycleID           int64           `db:"cycle_id" json:"cycle_id"`
	PromptID          string          `db:"prompt_id" json:"prompt_id"`
	MinerUID          int64           `db:"miner_uid" json:"miner_uid"`
	MinerHotkey       string          `db:"miner_hotkey" json:"miner_hotkey"`
	VideoKey          string          `db:"video_key" json:"video_key"`
	VideoHash         string          `db:"video_hash" json:"video_hash"`
	DurationSec       float64         `db:"duration_sec" json:"duration_sec"`
	Width             int             `db:"width" json:"width"`
	Height            int             `db:"height" json:"height"`
	FPS               float64         `db:"fps" json:"fps"`
	CameraType        string          `db:"camera_type" json:"camera_type"`
	ActorType         string          `db:"actor_type" json:"actor_type"`
	ActionDescription *string         `db:"action_description" json:"action_description,omitempty"`
	Signature         string          `db:"signature" json:"-"`
	State             SubmissionState `db:"state" json:"state"`
	LeaseOwner        *string         `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time      `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	VLMAttempts       int             `db:"vlm_attempts" json:"-"`
	VideoPHash        *string         `db:"video_phash" json:"-"`
	SubmittedAt       time.Time       `db:"submitted_at" json:"submitted_at"`
	EvaluatedAt       *time.Time      `db:"evaluated_at" json:"evaluated_at,omitempty"`
	RejectionReason   *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
}

// Details is free-form structured evaluation metadata (sub-check results,
// rubric sub-scores, model and prompt versions)
type Details map[string]interface{}

func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return json.Marshal(Details{})
	}
	return json.Marshal(d)
}

func (d *Details) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// Evaluation exists iff the submission's terminal state is SCORED
type Evaluation struct {
	SubmissionUUID string    `db:"submission_uuid" json:"submission_uuid"`
	TechnicalScore float64   `db:"technical_score" json:"technical_score"`
	RelevanceScore float64   `db:"relevance_score" json:"relevance_score"`
	QualityScore   float64   `db:"quality_score" json:"quality_score"`
	FinalScore     float64   `db:"final_score" json:"final_score"`
	Details        Details   `db:"details" json:"details"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// MinerScore is the per-miner aggregate for one completed cycle
type MinerScore struct {
	CycleID             int64    `db:"cycle_id" json:"cycle_id"`
	MinerUID            int64    `db:"miner_uid" json:"miner_uid"`
	MinerHotkey         string   `db:"miner_hotkey" json:"miner_hotkey"`
	TotalSubmissions    int      `db:"total_submissions" json:"total_submissions"`
	AcceptedSubmissions int      `db:"accepted_submissions" json:"accepted_submissions"`
	AvgScore            *float64 `db:"avg_score" json:"avg_score,omitempty"`
	TotalScore          *float64 `db:"total_score" json:"total_score,omitempty"`
}

// WeightMap maps miner_uid onto a normalized weight
type WeightMap map[int64]float64

func (w WeightMap) Value() (driver.Value, error) {
	if w == nil {
		return json.Marshal(WeightMap{})
	}
	return json.Marshal(w)
}

func (w *WeightMap) Scan(src interface{}) error {
	return scanJSON(src, w)
}

// U16Weights is the weight map projected onto [0, 65535], parallel slices
// ordered by ascending uid
type U16Weights struct {
	UIDs    []int64  `json:"uids"`
	Weights []uint16 `json:"weights"`
}

func (w U16Weights) Value() (driver.Value, error) {
	return json.Marshal(w)
}

func (w *U16Weights) Scan(src interface{}) error {
	return scanJSON(src, w)
}

// CycleWeights exists iff the cycle is COMPLETED
type CycleWeights struct {
	CycleID     int64      `db:"cycle_id" json:"cycle_id"`
	BlockNumber *int64     `db:"block_number" json:"block_number,omitempty"`
	Weights     WeightMap  `db:"weights" json:"weights"`
	WeightsU16  U16Weights `db:"weights_u16" json:"weights_u16"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// CycleStatus is the point-in-time view of the cycle state machine
type CycleStatus struct {
	Active        *Cycle `json:"active,omitempty"`
	Evaluating    *Cycle `json:"evaluating,omitempty"`
	LastCompleted *Cycle `json:"last_completed,omitempty"`
	Total         int64  `json:"total"`
}

// PHashRecord is a perceptual-hash window entry used by duplicate detection
type PHashRecord struct {
	UUID     string `db:"uuid" json:"uuid"`
	MinerUID int64  `db:"miner_uid" json:"miner_uid"`
	PHash    string `db:"video_phash" json:"video_phash"`
}

// Outcome is the terminal result a worker commits for a leased submission.
// Exactly one of Scored or Rejected is set.
type Outcome struct {
	Scored   *ScoredOutcome
	Rejected *RejectedOutcome
}

type ScoredOutcome struct {
	Technical float64
	Relevance float64
	Quality   float64
	Details   Details
	PHash     string
}

type RejectedOutcome struct {
	Reason string
	Detail string
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}
