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

package evaluator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/providers/vlm"
	"github.com/kibotos/kibotos/pkg/store"
)

const (
	keyframeCount = 8

	// dupThreshold is the perceptual similarity above which a submission is
	// treated as a near-duplicate and its quality score collapses
	dupThreshold = 0.90
)

// evaluate runs the three-stage pipeline for one leased submission. It
// returns an outcome for every miner-attributable verdict; an error means the
// work could not finish (infrastructure fault or lost lease) and the caller
// decides between release and abandonment.
func (w *Worker) evaluate(ctx context.Context, item *v1.WorkItem) (*v1.OutcomeRequest, error) {
	sub := &item.Submission
	reject := func(code errors.Code, format string, args ...interface{}) *v1.OutcomeRequest {
		return &v1.OutcomeRequest{
			UUID:     sub.UUID,
			Rejected: &v1.RejectedOutcome{Reason: string(code), Detail: fmt.Sprintf(format, args...)},
		}
	}

	// stage 1: download, integrity, container checks
	path, digest, size, err := w.fetchVideo(ctx, item)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	if !strings.EqualFold(digest, sub.VideoHash) {
		return reject(errors.CodeHashMismatch, "downloaded sha-256 %s does not match claimed %s", digest, sub.VideoHash), nil
	}
	record, err := w.prober.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return reject(errors.CodeTechnical, "unprobeable video, %v", err), nil
	}
	if reason := technicalRejection(record, sub, item.Prompt.Requirements, size); reason != "" {
		return reject(errors.CodeTechnical, "%s", reason), nil
	}
	technical := technicalScore(record)

	// stage 2: rubric scoring under the relevance budget, lease kept alive
	var relevance *vlm.Result
	leaseExpiry := lo.FromPtrOr(sub.LeaseExpiresAt, w.clock.Now().Add(w.opts.LeaseDuration))
	err = w.withLeaseRenewal(ctx, sub.UUID, leaseExpiry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, relevanceBudget)
		defer cancel()
		frames, err := w.prober.Keyframes(ctx, path, record.DurationSec, keyframeCount)
		if err != nil {
			return err
		}
		relevance, err = w.vlm.ScoreRelevance(ctx, &vlm.Request{
			Scenario:          item.Prompt.Scenario,
			ActionDescription: lo.FromPtr(sub.ActionDescription),
			CameraType:        sub.CameraType,
			ActorType:         sub.ActorType,
			KeyframesJPEG:     frames,
		})
		return err
	})
	if err != nil {
		if errors.IsCode(err, errors.CodeTechnical) && ctx.Err() == nil {
			return reject(errors.CodeTechnical, "keyframe extraction failed, %v", err), nil
		}
		return nil, err
	}

	// stage 3: perceptual duplicate detection
	quality := 1.0
	var nearest float64
	phash, err := w.prober.PHash(ctx, path, record.DurationSec)
	if err != nil {
		// hashing failure only disables dedup for this submission
		logging.FromContext(ctx).With("submission", sub.UUID).Errorf("perceptual hashing failed, %v", err)
		phash = ""
	} else if nearest = maxSimilarity(phash, item.DedupWindow); nearest >= dupThreshold {
		quality = clamp01(1 - nearest)
	}

	return &v1.OutcomeRequest{
		UUID: sub.UUID,
		Scored: &v1.ScoredOutcome{
			Technical: technical,
			Relevance: relevance.Relevance,
			Quality:   quality,
			PHash:     phash,
			Details: store.Details{
				"probe": map[string]interface{}{
					"codec":     record.Codec,
					"container": record.Container,
					"duration":  record.DurationSec,
					"width":     record.Width,
					"height":    record.Height,
					"fps":       record.FPS,
					"size":      size,
				},
				"rubric": map[string]interface{}{
					"action_match":     relevance.Rubric.ActionMatch,
					"perspective":      relevance.Rubric.Perspective,
					"demo_quality":     relevance.Rubric.DemoQuality,
					"training_utility": relevance.Rubric.TrainingUtility,
				},
				"nearest_similarity": nearest,
				"model_version":      relevance.ModelVersion,
				"prompt_version":     relevance.PromptVersion,
			},
		},
	}, nil
}

// fetchVideo downloads the object behind the presigned URL with bounded
// retries, returning the local path, sha-256 hex digest and size
func (w *Worker) fetchVideo(ctx context.Context, item *v1.WorkItem) (string, string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	start := time.Now()
	path, digest, size, err := download(ctx, w.opts.WorkDir, &item.Download)
	downloadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", "", 0, fmt.Errorf("downloading %q, %w", item.Submission.VideoKey, err)
	}
	return path, digest, size, nil
}

func maxSimilarity(phash string, window []store.PHashRecord) float64 {
	var max float64
	for _, rec := range window {
		if sim := probe.Similarity(phash, rec.PHash); sim > max {
			max = sim
		}
	}
	return max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
