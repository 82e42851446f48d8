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

// Package v1 holds the wire types shared by the API server and the
// evaluation workers
package v1

import (
	"time"

	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/store"
)

// ErrorResponse is the uniform error envelope
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresignUploadRequest asks for a presigned PUT
type PresignUploadRequest struct {
	Filename      string `json:"filename" validate:"required,max=256"`
	ContentLength int64  `json:"content_length" validate:"gt=0"`
	ContentType   string `json:"content_type,omitempty" validate:"max=128"`
}

// PresignUploadResponse carries the minted upload URL and the video_key the
// miner must echo back at submission time
type PresignUploadResponse struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	VideoKey  string            `json:"video_key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// StatusResponse reports build identity
type StatusResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// CycleStatusResponse is the public cycle state machine view
type CycleStatusResponse struct {
	ActiveCycleID        *int64     `json:"active_cycle_id,omitempty"`
	ActiveCycleStartedAt *time.Time `json:"active_cycle_started_at,omitempty"`
	EvaluatingCycleID    *int64     `json:"evaluating_cycle_id,omitempty"`
	LastCompletedCycleID *int64     `json:"last_completed_cycle_id,omitempty"`
	TotalCycles          int64      `json:"total_cycles"`
}

// SubmissionDetail is a submission plus its evaluation once scored
type SubmissionDetail struct {
	Submission store.Submission  `json:"submission"`
	Evaluation *store.Evaluation `json:"evaluation,omitempty"`
}

// FetchRequest leases up to BatchSize submissions for WorkerID
type FetchRequest struct {
	WorkerID      string `json:"worker_id" validate:"required"`
	BatchSize     int    `json:"batch_size" validate:"gt=0,lte=32"`
	LeaseDuration int    `json:"lease_duration_sec" validate:"gt=0,lte=3600"`
}

// WorkItem is one leased submission plus everything a worker needs to
// evaluate it without further API calls
type WorkItem struct {
	Submission  store.Submission         `json:"submission"`
	Prompt      store.Prompt             `json:"prompt"`
	Download    storage.PresignedRequest `json:"download"`
	DedupWindow []store.PHashRecord      `json:"dedup_window,omitempty"`
}

// FetchResponse carries the leased batch
type FetchResponse struct {
	Items []WorkItem `json:"items"`
}

// OutcomeRequest commits a terminal result for a leased submission.
// Exactly one of Scored or Rejected is set.
type OutcomeRequest struct {
	WorkerID string           `json:"worker_id" validate:"required"`
	UUID     string           `json:"uuid" validate:"required,uuid4"`
	Scored   *ScoredOutcome   `json:"scored,omitempty"`
	Rejected *RejectedOutcome `json:"rejected,omitempty"`
	// Release abandons the lease without a terminal state, used on
	// infrastructure failure so the submission is re-leased later
	Release bool `json:"release,omitempty"`
}

type ScoredOutcome struct {
	Technical float64       `json:"technical" validate:"gte=0,lte=1"`
	Relevance float64       `json:"relevance" validate:"gte=0,lte=1"`
	Quality   float64       `json:"quality" validate:"gte=0,lte=1"`
	Details   store.Details `json:"details,omitempty"`
	PHash     string        `json:"phash,omitempty"`
}

type RejectedOutcome struct {
	Reason string `json:"reason" validate:"required"`
	Detail string `json:"detail,omitempty"`
}

// RenewRequest extends a held lease
type RenewRequest struct {
	WorkerID      string `json:"worker_id" validate:"required"`
	UUID          string `json:"uuid" validate:"required,uuid4"`
	LeaseDuration int    `json:"lease_duration_sec" validate:"gt=0,lte=3600"`
}

type RenewResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// SubmissionResponse acknowledges an admitted submission
type SubmissionResponse struct {
	UUID        string    `json:"uuid"`
	CycleID     int64     `json:"cycle_id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}
