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

package apiserver_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kibotos/kibotos/pkg/admission"
	"github.com/kibotos/kibotos/pkg/apiserver"
	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/evaluator"
	"github.com/kibotos/kibotos/pkg/fake"
	"github.com/kibotos/kibotos/pkg/store"
)

const adminToken = "test-admin-token"

func TestAPIServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "APIServer")
}

var ctx context.Context
var fakeClock *clocktesting.FakeClock
var fakeStore *fake.InMemoryStore
var storageProvider *fake.StorageProvider
var apiSrv *httptest.Server
var minerKey ed25519.PrivateKey
var minerHotkey string

var _ = Describe("APIServer", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Now())
		fakeStore = fake.NewInMemoryStore(fakeClock)
		storageProvider = &fake.StorageProvider{}

		var pub ed25519.PublicKey
		var err error
		pub, minerKey, err = ed25519.GenerateKey(rand.Reader)
		Expect(err).ToNot(HaveOccurred())
		minerHotkey = hex.EncodeToString(pub)

		Expect(fakeStore.CreatePrompt(ctx, &store.Prompt{
			ID: "prompt-1", Category: "manipulation", Task: "pick", Scenario: "pick up the cup", Weight: 1, Active: true,
		})).To(Succeed())
		_, err = fakeStore.OpenCycle(ctx)
		Expect(err).ToNot(HaveOccurred())

		server := apiserver.New(fakeStore, admission.NewAdmitter(fakeStore, fakeClock), storageProvider, apiserver.Options{
			AdminToken: adminToken,
			Version:    "test",
		})
		apiSrv = httptest.NewServer(server.Routes())
		DeferCleanup(apiSrv.Close)
	})

	Context("Discovery", func() {
		It("should report health", func() {
			resp := get("/health")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Request-Id")).ToNot(BeEmpty())
			Expect(decodeMap(resp)).To(HaveKeyWithValue("status", "ok"))
		})
		It("should report build identity", func() {
			resp := get("/v1/status")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeMap(resp)).To(HaveKeyWithValue("version", "test"))
		})
		It("should report the cycle state machine", func() {
			resp := get("/v1/cycles/status")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var status v1.CycleStatusResponse
			decode(resp, &status)
			Expect(status.ActiveCycleID).ToNot(BeNil())
			Expect(*status.ActiveCycleID).To(BeNumerically("==", 1))
			Expect(status.TotalCycles).To(BeNumerically("==", 1))
		})
		It("should list prompts and categories", func() {
			resp := get("/v1/prompts")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var prompts []store.Prompt
			decode(resp, &prompts)
			Expect(prompts).To(HaveLen(1))
			Expect(prompts[0].ID).To(Equal("prompt-1"))

			resp = get("/v1/prompts/categories")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var categories []store.CategoryCount
			decode(resp, &categories)
			Expect(categories).To(HaveLen(1))
			Expect(categories[0].Category).To(Equal("manipulation"))
		})
		It("should 404 an unknown prompt with the error envelope", func() {
			resp := get("/v1/prompts/prompt-404")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeNotFound)))
		})
	})

	Context("Prompt administration", func() {
		It("should hide the admin route without the token", func() {
			resp := post("/v1/admin/prompts", store.Prompt{ID: "prompt-2", Category: "c", Task: "t", Scenario: "s"}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
		It("should create a prompt with the token", func() {
			resp := post("/v1/admin/prompts",
				store.Prompt{ID: "prompt-2", Category: "navigation", Task: "walk", Scenario: "walk to the door"},
				map[string]string{"Authorization": "Bearer " + adminToken})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created store.Prompt
			decode(resp, &created)
			Expect(created.Active).To(BeTrue())
			Expect(created.Weight).To(BeNumerically("==", 1))

			prompt, err := fakeStore.GetPrompt(ctx, "prompt-2")
			Expect(err).ToNot(HaveOccurred())
			Expect(prompt.Category).To(Equal("navigation"))
		})
		It("should reject a prompt with missing fields", func() {
			resp := post("/v1/admin/prompts", store.Prompt{ID: "prompt-2"},
				map[string]string{"Authorization": "Bearer " + adminToken})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeValidation)))
		})
	})

	Context("Upload", func() {
		It("should mint a presigned upload", func() {
			resp := post("/v1/upload/presign", v1.PresignUploadRequest{Filename: "clip.mp4", ContentLength: 1 << 20}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var presigned v1.PresignUploadResponse
			decode(resp, &presigned)
			Expect(presigned.Method).To(Equal("PUT"))
			Expect(presigned.VideoKey).To(HavePrefix("uploads/"))
			Expect(presigned.VideoKey).To(HaveSuffix("/clip.mp4"))
			Expect(presigned.URL).To(ContainSubstring(presigned.VideoKey))
		})
		It("should reject a presign request without a length", func() {
			resp := post("/v1/upload/presign", v1.PresignUploadRequest{Filename: "clip.mp4"}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Context("Submission", func() {
		It("should admit a signed submission", func() {
			resp := post("/v1/submissions", signedRequest("vid-1"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var ack v1.SubmissionResponse
			decode(resp, &ack)
			Expect(ack.UUID).ToNot(BeEmpty())
			Expect(ack.State).To(Equal(string(store.SubmissionPending)))
			Expect(ack.CycleID).To(BeNumerically("==", 1))

			resp = get("/v1/submissions/" + ack.UUID)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var detail v1.SubmissionDetail
			decode(resp, &detail)
			Expect(detail.Submission.UUID).To(Equal(ack.UUID))
			Expect(detail.Evaluation).To(BeNil())
		})
		It("should surface a tampered signature as a client fault", func() {
			req := signedRequest("vid-1")
			req.VideoKey = "uploads/other/key.mp4"
			resp := post("/v1/submissions", req, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeBadSignature)))
		})
		It("should surface a duplicate as a conflict", func() {
			Expect(post("/v1/submissions", signedRequest("vid-1"), nil).StatusCode).To(Equal(http.StatusAccepted))
			resp := post("/v1/submissions", signedRequest("vid-1"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeDuplicate)))
		})
		It("should reject a malformed body", func() {
			resp, err := http.Post(apiSrv.URL+"/v1/submissions", "application/json", strings.NewReader("{not json"))
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Context("Evaluation", func() {
		var client *evaluator.Client

		BeforeEach(func() {
			client = evaluator.NewClient(apiSrv.URL, "worker-1")
		})

		It("should run the lease, renew and commit round trip", func() {
			var ack v1.SubmissionResponse
			decode(post("/v1/submissions", signedRequest("vid-1"), nil), &ack)

			items, err := client.Fetch(ctx, 4, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Submission.UUID).To(Equal(ack.UUID))
			Expect(items[0].Prompt.ID).To(Equal("prompt-1"))
			Expect(items[0].Download.Method).To(Equal("GET"))
			Expect(items[0].Download.URL).To(ContainSubstring(items[0].Submission.VideoKey))

			expiresAt, err := client.Renew(ctx, ack.UUID, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(expiresAt.After(fakeClock.Now())).To(BeTrue())

			Expect(client.Commit(ctx, &v1.OutcomeRequest{
				UUID:   ack.UUID,
				Scored: &v1.ScoredOutcome{Technical: 0.9, Relevance: 0.8, Quality: 1.0, PHash: "00ff00ff00ff00ff"},
			})).To(Succeed())

			var detail v1.SubmissionDetail
			decode(get("/v1/submissions/"+ack.UUID), &detail)
			Expect(detail.Submission.State).To(Equal(store.SubmissionScored))
			Expect(detail.Evaluation).ToNot(BeNil())
			Expect(detail.Evaluation.FinalScore).To(BeNumerically("~", store.ComposeFinalScore(0.9, 0.8, 1.0), 1e-9))
		})
		It("should release a lease back to pending", func() {
			var ack v1.SubmissionResponse
			decode(post("/v1/submissions", signedRequest("vid-1"), nil), &ack)
			_, err := client.Fetch(ctx, 4, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())

			Expect(client.Commit(ctx, &v1.OutcomeRequest{UUID: ack.UUID, Release: true})).To(Succeed())
			sub, err := fakeStore.GetSubmission(ctx, ack.UUID)
			Expect(err).ToNot(HaveOccurred())
			Expect(sub.State).To(Equal(store.SubmissionPending))
		})
		It("should refuse a commit from a worker that does not hold the lease", func() {
			var ack v1.SubmissionResponse
			decode(post("/v1/submissions", signedRequest("vid-1"), nil), &ack)
			_, err := client.Fetch(ctx, 4, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())

			intruder := evaluator.NewClient(apiSrv.URL, "worker-2")
			err = intruder.Commit(ctx, &v1.OutcomeRequest{
				UUID:     ack.UUID,
				Rejected: &v1.RejectedOutcome{Reason: "TECHNICAL"},
			})
			Expect(errors.IsLeaseLost(err)).To(BeTrue())
		})
		It("should refuse an outcome that is both scored and rejected", func() {
			var ack v1.SubmissionResponse
			decode(post("/v1/submissions", signedRequest("vid-1"), nil), &ack)
			_, err := client.Fetch(ctx, 4, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())

			err = client.Commit(ctx, &v1.OutcomeRequest{
				UUID:     ack.UUID,
				Scored:   &v1.ScoredOutcome{Technical: 1, Relevance: 1, Quality: 1},
				Rejected: &v1.RejectedOutcome{Reason: "TECHNICAL"},
			})
			Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
		})
		It("should return an empty batch when nothing is pending", func() {
			items, err := client.Fetch(ctx, 4, 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Context("Scores and weights", func() {
		It("should 404 latest scores before any cycle completes", func() {
			resp := get("/v1/scores/latest")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeNotFound)))
		})
		It("should reject a malformed cycle id", func() {
			resp := get("/v1/weights/zero")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Code).To(Equal(string(errors.CodeValidation)))
		})
		It("should serve stored weights", func() {
			_, err := fakeStore.CloseCycleToEvaluating(ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			_, err = fakeStore.CompleteCycle(ctx, 1, &store.CycleWeights{
				CycleID:    1,
				Weights:    store.WeightMap{42: 1.0},
				WeightsU16: store.U16Weights{UIDs: []int64{42}, Weights: []uint16{65535}},
			}, nil)
			Expect(err).ToNot(HaveOccurred())

			resp := get("/v1/weights/1")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var weights store.CycleWeights
			decode(resp, &weights)
			Expect(weights.Weights[42]).To(BeNumerically("~", 1.0, 1e-9))

			resp = get("/v1/weights/latest")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &weights)
			Expect(weights.CycleID).To(BeNumerically("==", 1))
		})
	})
})

func get(path string) *http.Response {
	GinkgoHelper()
	resp, err := http.Get(apiSrv.URL + path)
	Expect(err).ToNot(HaveOccurred())
	return resp
}

func post(path string, body interface{}, headers map[string]string) *http.Response {
	GinkgoHelper()
	payload, err := json.Marshal(body)
	Expect(err).ToNot(HaveOccurred())
	req, err := http.NewRequest(http.MethodPost, apiSrv.URL+path, bytes.NewReader(payload))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).ToNot(HaveOccurred())
	return resp
}

func decode(resp *http.Response, out interface{}) {
	GinkgoHelper()
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
}

func decodeMap(resp *http.Response) map[string]interface{} {
	GinkgoHelper()
	out := map[string]interface{}{}
	decode(resp, &out)
	return out
}

func decodeError(resp *http.Response) v1.ErrorResponse {
	GinkgoHelper()
	var out v1.ErrorResponse
	decode(resp, &out)
	return out
}

func signedRequest(videoName string) *admission.Request {
	hash := sha256.Sum256([]byte(videoName))
	req := &admission.Request{
		PromptID:    "prompt-1",
		VideoKey:    "uploads/abc/" + videoName + ".mp4",
		VideoHash:   hex.EncodeToString(hash[:]),
		MinerUID:    42,
		MinerHotkey: minerHotkey,
		DurationSec: 30,
		Width:       1920,
		Height:      1080,
		FPS:         30,
		CameraType:  "ego_head",
		ActorType:   "human",
		SubmittedAt: fakeClock.Now().UTC(),
	}
	payload := admission.CanonicalPayload(req.VideoHash, req.VideoKey, req.PromptID, req.MinerUID, req.SubmittedAt)
	req.Signature = admission.Sign(minerKey, payload)
	return req
}
