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

// Package admission gates miner submissions. Checks run cheapest-first so a
// bad request never costs a database round trip, and the store re-verifies
// everything it is authoritative for inside the admission transaction.
package admission

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/store"
)

const (
	// maxClockSkew bounds how stale a signed submitted_at may be. Wide enough
	// for slow uploads, tight enough that a captured request cannot be
	// replayed after its rate-limit window rolls over.
	maxClockSkew = 5 * time.Minute

	promptCacheTTL = 30 * time.Second
	dupCacheTTL    = 10 * time.Minute
)

type Store interface {
	GetPrompt(ctx context.Context, id string) (*store.Prompt, error)
	HasDuplicate(ctx context.Context, minerUID int64, videoHash string) (bool, error)
	AdmitSubmission(ctx context.Context, sub *store.Submission) error
}

// Request is the miner-facing submission payload
type Request struct {
	PromptID          string    `json:"prompt_id" validate:"required"`
	VideoKey          string    `json:"video_key" validate:"required,max=512"`
	VideoHash         string    `json:"video_hash" validate:"required,len=64,hexadecimal"`
	MinerUID          int64     `json:"miner_uid" validate:"gte=0,lte=65535"`
	MinerHotkey       string    `json:"miner_hotkey" validate:"required,hexadecimal"`
	Signature         string    `json:"signature" validate:"required,hexadecimal"`
	DurationSec       float64   `json:"duration_sec" validate:"gte=1,lte=300"`
	Width             int       `json:"width" validate:"gte=480"`
	Height            int       `json:"height" validate:"gte=360"`
	FPS               float64   `json:"fps" validate:"gte=15,lte=120"`
	CameraType        string    `json:"camera_type" validate:"required,oneof=ego_head ego_chest ego_wrist robot_head robot_wrist"`
	ActorType         string    `json:"actor_type" validate:"required,oneof=human robot human_with_robot"`
	ActionDescription string    `json:"action_description,omitempty" validate:"max=2000"`
	SubmittedAt       time.Time `json:"submitted_at" validate:"required"`
}

type Admitter struct {
	store       Store
	validate    *validator.Validate
	clock       clock.Clock
	promptCache *cache.Cache
	dupCache    *cache.Cache
}

func NewAdmitter(s Store, clk clock.Clock) *Admitter {
	return &Admitter{
		store:       s,
		validate:    validator.New(),
		clock:       clk,
		promptCache: cache.New(promptCacheTTL, 2*promptCacheTTL),
		dupCache:    cache.New(dupCacheTTL, 2*dupCacheTTL),
	}
}

// Admit runs the full admission gauntlet and persists the submission as
// PENDING on success, returning the stored row
func (a *Admitter) Admit(ctx context.Context, req *Request) (*store.Submission, error) {
	sub, err := a.admit(ctx, req)
	if err != nil {
		admissionsCounter.WithLabelValues(metricResult(err), string(errors.CodeOf(err))).Inc()
		return nil, err
	}
	admissionsCounter.WithLabelValues("accepted", "").Inc()
	return sub, nil
}

func (a *Admitter) admit(ctx context.Context, req *Request) (*store.Submission, error) {
	if err := a.validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeValidation, "invalid submission, %s", firstValidationError(err))
	}
	if skew := absDuration(a.clock.Since(req.SubmittedAt)); skew > maxClockSkew {
		return nil, errors.New(errors.CodeValidation, "submitted_at is %s away from server time, max skew is %s", skew.Round(time.Second), maxClockSkew)
	}

	payload := CanonicalPayload(req.VideoHash, req.VideoKey, req.PromptID, req.MinerUID, req.SubmittedAt)
	if err := VerifySignature(req.MinerHotkey, req.Signature, payload); err != nil {
		return nil, err
	}

	if err := a.checkPrompt(ctx, req.PromptID); err != nil {
		return nil, err
	}
	if err := a.checkDuplicate(ctx, req.MinerUID, req.VideoHash); err != nil {
		return nil, err
	}

	sub := &store.Submission{
		UUID:        uuid.NewString(),
		PromptID:    req.PromptID,
		MinerUID:    req.MinerUID,
		MinerHotkey: req.MinerHotkey,
		VideoKey:    req.VideoKey,
		VideoHash:   req.VideoHash,
		DurationSec: req.DurationSec,
		Width:       req.Width,
		Height:      req.Height,
		FPS:         req.FPS,
		CameraType:  req.CameraType,
		ActorType:   req.ActorType,
		Signature:   req.Signature,
		State:       store.SubmissionPending,
		SubmittedAt: a.clock.Now().UTC(),
	}
	if req.ActionDescription != "" {
		sub.ActionDescription = &req.ActionDescription
	}
	if err := a.store.AdmitSubmission(ctx, sub); err != nil {
		return nil, err
	}
	a.dupCache.SetDefault(dupKey(req.MinerUID, req.VideoHash), true)
	logging.FromContext(ctx).With("submission", sub.UUID, "miner", sub.MinerUID, "prompt", sub.PromptID).Infof("admitted submission")
	return sub, nil
}

// checkPrompt verifies the prompt exists and is active, short-circuiting
// through a small TTL cache since the prompt set changes rarely
func (a *Admitter) checkPrompt(ctx context.Context, promptID string) error {
	var prompt *store.Prompt
	if cached, ok := a.promptCache.Get(promptID); ok {
		prompt = cached.(*store.Prompt)
	} else {
		var err error
		prompt, err = a.store.GetPrompt(ctx, promptID)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.New(errors.CodeUnknownPrompt, "prompt %q does not exist", promptID)
			}
			return err
		}
		a.promptCache.SetDefault(promptID, prompt)
	}
	if !prompt.Active {
		return errors.New(errors.CodeUnknownPrompt, "prompt %q is inactive", promptID)
	}
	return nil
}

// checkDuplicate rejects resubmission of a byte-identical video. The cache
// only holds positives, so a cache miss always falls through to the store.
func (a *Admitter) checkDuplicate(ctx context.Context, minerUID int64, videoHash string) error {
	key := dupKey(minerUID, videoHash)
	if _, ok := a.dupCache.Get(key); ok {
		return errors.New(errors.CodeDuplicate, "video %s was already submitted", videoHash)
	}
	dup, err := a.store.HasDuplicate(ctx, minerUID, videoHash)
	if err != nil {
		return err
	}
	if dup {
		a.dupCache.SetDefault(key, true)
		return errors.New(errors.CodeDuplicate, "video %s was already submitted", videoHash)
	}
	return nil
}

func dupKey(minerUID int64, videoHash string) string {
	hash, err := hashstructure.Hash(struct {
		MinerUID  int64
		VideoHash string
	}{MinerUID: minerUID, VideoHash: videoHash}, hashstructure.FormatV2, nil)
	if err != nil {
		return fmt.Sprintf("%d/%s", minerUID, videoHash)
	}
	return fmt.Sprintf("%d", hash)
}

func firstValidationError(err error) string {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("field %s failed on %s", verrs[0].Field(), verrs[0].Tag())
	}
	return err.Error()
}

func metricResult(err error) string {
	if errors.IsClientFault(err) {
		return "rejected"
	}
	return "error"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
