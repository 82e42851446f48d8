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

// Package vlm scores task relevance through an OpenAI-compatible vision
// model. The model is treated as a calibrated instrument: every score is
// stamped with the model name and prompt version so historical evaluations
// stay interpretable after either changes.
package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
)

// PromptVersion identifies the rubric prompt wording. Bump on any change to
// the system or user prompt templates.
const PromptVersion = "rubric-v1"

// Rubric sub-score weights
const (
	actionMatchWeight     = 0.40
	perspectiveWeight     = 0.20
	demoQualityWeight     = 0.20
	trainingUtilityWeight = 0.20
)

const (
	attemptTimeout = 60 * time.Second
	maxAttempts    = 3
	requestsPerSec = 4
)

// backoffSchedule is the per-retry delay ladder
var backoffSchedule = []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

// Request carries everything the rubric prompt needs for one submission
type Request struct {
	Scenario          string
	ActionDescription string
	CameraType        string
	ActorType         string
	// KeyframesJPEG are uniformly sampled frames, inlined as base64 data URLs
	KeyframesJPEG [][]byte
}

// Rubric is the model's structured verdict, each sub-score in [0,1]
type Rubric struct {
	ActionMatch     float64 `json:"action_match"`
	Perspective     float64 `json:"perspective"`
	DemoQuality     float64 `json:"demo_quality"`
	TrainingUtility float64 `json:"training_utility"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// Score folds the sub-scores into the relevance score
func (r Rubric) Score() float64 {
	return actionMatchWeight*clamp01(r.ActionMatch) +
		perspectiveWeight*clamp01(r.Perspective) +
		demoQualityWeight*clamp01(r.DemoQuality) +
		trainingUtilityWeight*clamp01(r.TrainingUtility)
}

// Result is a scored rubric plus provenance
type Result struct {
	Rubric        Rubric
	Relevance     float64
	ModelVersion  string
	PromptVersion string
}

type Provider interface {
	ScoreRelevance(ctx context.Context, req *Request) (*Result, error)
}

type Options struct {
	APIURL string
	APIKey string
	Model  string
}

type DefaultProvider struct {
	httpClient *http.Client
	opts       Options
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

func NewDefaultProvider(opts Options) *DefaultProvider {
	return &DefaultProvider{
		httpClient: &http.Client{Timeout: attemptTimeout},
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "vlm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// ScoreRelevance invokes the model with bounded retries. Exhausting the retry
// budget or an open breaker yields VLM_UNAVAILABLE, which callers treat as an
// infrastructure fault, never a miner fault.
func (p *DefaultProvider) ScoreRelevance(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	var rubric *Rubric
	err := retry.Do(func() error {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.invoke(ctx, req)
		})
		if err != nil {
			return err
		}
		rubric = out.(*Rubric)
		return nil
	},
		retry.Attempts(maxAttempts),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			if int(n) < len(backoffSchedule) {
				return backoffSchedule[n]
			}
			return backoffSchedule[len(backoffSchedule)-1]
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx))
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsCounter.WithLabelValues("error").Inc()
		return nil, errors.New(errors.CodeVLMUnavailable, "relevance scoring failed, %v", err)
	}
	requestsCounter.WithLabelValues("success").Inc()
	return &Result{
		Rubric:        *rubric,
		Relevance:     rubric.Score(),
		ModelVersion:  p.opts.Model,
		PromptVersion: PromptVersion,
	}, nil
}

// invoke performs a single chat-completions round trip
func (p *DefaultProvider) invoke(ctx context.Context, req *Request) (*Rubric, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	body, err := json.Marshal(p.completionRequest(req))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("encoding completion request, %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.APIURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.opts.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling model endpoint, %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading model response, %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("model endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Unrecoverable(fmt.Errorf("model endpoint returned %d, %s", resp.StatusCode, truncate(string(payload), 200)))
	}

	rubric, err := ParseRubric(payload)
	if err != nil {
		logging.FromContext(ctx).With("response-bytes", len(payload)).Errorf("unparseable model response, %v", err)
		return nil, err
	}
	return rubric, nil
}

type completionMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (p *DefaultProvider) completionRequest(req *Request) map[string]interface{} {
	parts := []contentPart{{Type: "text", Text: userPrompt(req)}}
	for _, frame := range req.KeyframesJPEG {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame)},
		})
	}
	return map[string]interface{}{
		"model": p.opts.Model,
		"messages": []completionMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: parts},
		},
		"temperature":     0.0,
		"response_format": map[string]string{"type": "json_object"},
	}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
