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

package apiserver

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/kibotos/kibotos/pkg/admission"
	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/store"
)

// dedupGlobalLimit caps how many foreign perceptual hashes ship with each
// leased work item
const dedupGlobalLimit = 200

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, v1.StatusResponse{Version: s.opts.Version, Commit: s.opts.Commit})
}

func (s *Server) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetCycleStatus(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := v1.CycleStatusResponse{TotalCycles: status.Total}
	if status.Active != nil {
		resp.ActiveCycleID = lo.ToPtr(status.Active.ID)
		resp.ActiveCycleStartedAt = lo.ToPtr(status.Active.StartedAt)
	}
	if status.Evaluating != nil {
		resp.EvaluatingCycleID = lo.ToPtr(status.Evaluating.ID)
	}
	if status.LastCompleted != nil {
		resp.LastCompletedCycleID = lo.ToPtr(status.LastCompleted.ID)
	}
	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListPrompts(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, prompts)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.store.GetPrompt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, prompt)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.ListCategories(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, categories)
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var prompt store.Prompt
	if !s.decode(w, r, &prompt) {
		return
	}
	if prompt.ID == "" || prompt.Category == "" || prompt.Task == "" || prompt.Scenario == "" {
		s.respondError(w, r, errors.New(errors.CodeValidation, "id, category, task and scenario are required"))
		return
	}
	if prompt.Weight <= 0 {
		prompt.Weight = 1
	}
	prompt.Active = true
	if err := s.store.CreatePrompt(r.Context(), &prompt); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, prompt)
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	var req v1.PresignUploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, r, errors.New(errors.CodeValidation, "invalid presign request, %v", err))
		return
	}
	key := storage.NewKey(req.Filename)
	presigned, err := s.storage.PresignUpload(r.Context(), key, req.ContentLength)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, v1.PresignUploadResponse{
		URL:       presigned.URL,
		Method:    presigned.Method,
		Headers:   presigned.Headers,
		VideoKey:  key,
		ExpiresAt: presigned.ExpiresAt,
	})
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admission.Request
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.admitter.Admit(r.Context(), &req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, v1.SubmissionResponse{
		UUID:        sub.UUID,
		CycleID:     sub.CycleID,
		State:       string(sub.State),
		SubmittedAt: sub.SubmittedAt,
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	sub, err := s.store.GetSubmission(r.Context(), uuid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	detail := v1.SubmissionDetail{Submission: *sub}
	if sub.State == store.SubmissionScored {
		if detail.Evaluation, err = s.store.GetEvaluation(r.Context(), uuid); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	s.respond(w, r, http.StatusOK, detail)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req v1.FetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, r, errors.New(errors.CodeValidation, "invalid fetch request, %v", err))
		return
	}
	leased, err := s.store.LeasePending(r.Context(), req.WorkerID, req.BatchSize, time.Duration(req.LeaseDuration)*time.Second)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	items := make([]v1.WorkItem, 0, len(leased))
	for _, sub := range leased {
		item, err := s.buildWorkItem(r, sub)
		if err != nil {
			// a broken item must not sink the whole batch; its lease expires
			s.logDropped(r, sub.UUID, err)
			continue
		}
		items = append(items, *item)
	}
	s.respond(w, r, http.StatusOK, v1.FetchResponse{Items: items})
}

func (s *Server) buildWorkItem(r *http.Request, sub store.Submission) (*v1.WorkItem, error) {
	prompt, err := s.store.GetPrompt(r.Context(), sub.PromptID)
	if err != nil {
		return nil, err
	}
	download, err := s.storage.PresignDownload(r.Context(), sub.VideoKey)
	if err != nil {
		return nil, err
	}
	cycleIDs := []int64{sub.CycleID}
	if sub.CycleID > 1 {
		cycleIDs = append(cycleIDs, sub.CycleID-1)
	}
	window, err := s.store.DedupWindow(r.Context(), sub.MinerUID, cycleIDs, dedupGlobalLimit)
	if err != nil {
		return nil, err
	}
	return &v1.WorkItem{
		Submission:  sub,
		Prompt:      *prompt,
		Download:    *download,
		DedupWindow: window,
	}, nil
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req v1.OutcomeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, r, errors.New(errors.CodeValidation, "invalid outcome request, %v", err))
		return
	}

	if req.Release {
		if _, err := s.store.ReleaseLease(r.Context(), req.WorkerID, req.UUID); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respond(w, r, http.StatusOK, map[string]string{"state": string(store.SubmissionPending)})
		return
	}

	outcome, err := toStoreOutcome(&req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.CommitEvaluation(r.Context(), req.WorkerID, req.UUID, outcome); err != nil {
		s.respondError(w, r, err)
		return
	}
	state := store.SubmissionScored
	if outcome.Rejected != nil {
		state = store.SubmissionRejected
	}
	s.respond(w, r, http.StatusOK, map[string]string{"state": string(state)})
}

func toStoreOutcome(req *v1.OutcomeRequest) (store.Outcome, error) {
	switch {
	case req.Scored != nil && req.Rejected == nil:
		return store.Outcome{Scored: &store.ScoredOutcome{
			Technical: req.Scored.Technical,
			Relevance: req.Scored.Relevance,
			Quality:   req.Scored.Quality,
			Details:   req.Scored.Details,
			PHash:     req.Scored.PHash,
		}}, nil
	case req.Rejected != nil && req.Scored == nil:
		return store.Outcome{Rejected: &store.RejectedOutcome{
			Reason: req.Rejected.Reason,
			Detail: req.Rejected.Detail,
		}}, nil
	default:
		return store.Outcome{}, errors.New(errors.CodeValidation, "outcome must be exactly one of scored or rejected")
	}
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req v1.RenewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, r, errors.New(errors.CodeValidation, "invalid renew request, %v", err))
		return
	}
	expiresAt, err := s.store.RenewLease(r.Context(), req.WorkerID, req.UUID, time.Duration(req.LeaseDuration)*time.Second)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, v1.RenewResponse{LeaseExpiresAt: expiresAt})
}

func (s *Server) handleLatestScores(w http.ResponseWriter, r *http.Request) {
	cycleID, err := s.lastCompletedCycleID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.handleScoresFor(w, r, cycleID)
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	cycleID, err := parseCycleID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.handleScoresFor(w, r, cycleID)
}

func (s *Server) handleScoresFor(w http.ResponseWriter, r *http.Request, cycleID int64) {
	scores, err := s.store.GetMinerScores(r.Context(), cycleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]interface{}{"cycle_id": cycleID, "scores": scores})
}

func (s *Server) handleLatestWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.store.GetLatestWeights(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, weights)
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	cycleID, err := parseCycleID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	weights, err := s.store.GetWeights(r.Context(), cycleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, weights)
}

func (s *Server) lastCompletedCycleID(r *http.Request) (int64, error) {
	status, err := s.store.GetCycleStatus(r.Context())
	if err != nil {
		return 0, err
	}
	if status.LastCompleted == nil {
		return 0, errors.New(errors.CodeNotFound, "no completed cycle yet")
	}
	return status.LastCompleted.ID, nil
}

func parseCycleID(r *http.Request) (int64, error) {
	cycleID, err := strconv.ParseInt(chi.URLParam(r, "cycleID"), 10, 64)
	if err != nil || cycleID < 1 {
		return 0, errors.New(errors.CodeValidation, "cycle id must be a positive integer")
	}
	return cycleID, nil
}

// decode parses the JSON body, responding with VALIDATION on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(out); err != nil {
		s.respondError(w, r, errors.New(errors.CodeValidation, "malformed request body, %v", err))
		return false
	}
	return true
}

func (s *Server) logDropped(r *http.Request, uuid string, err error) {
	droppedCounter.Inc()
	logging.FromContext(r.Context()).With("submission", uuid).Errorf("dropping unleaseable work item, %v", err)
}

func errorBody(code errors.Code, message string) v1.ErrorResponse {
	return v1.ErrorResponse{Code: string(code), Message: message}
}

func stdAs(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
