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
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/fake"
	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/providers/vlm"
	"github.com/kibotos/kibotos/pkg/store"
)

func TestEvaluator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Evaluator")
}

// fakeAPI hands out queued work items and records committed outcomes
type fakeAPI struct {
	mu       sync.Mutex
	queue    []v1.WorkItem
	outcomes []*v1.OutcomeRequest
	renewErr error
}

func (f *fakeAPI) Fetch(_ context.Context, batchSize int, _ time.Duration) ([]v1.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := batchSize
	if n > len(f.queue) {
		n = len(f.queue)
	}
	items := f.queue[:n]
	f.queue = f.queue[n:]
	return items, nil
}

func (f *fakeAPI) Commit(_ context.Context, req *v1.OutcomeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, req)
	return nil
}

func (f *fakeAPI) Renew(_ context.Context, _ string, leaseDuration time.Duration) (time.Time, error) {
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	return time.Now().Add(leaseDuration), nil
}

func (f *fakeAPI) committed() []*v1.OutcomeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.OutcomeRequest{}, f.outcomes...)
}

var ctx context.Context
var api *fakeAPI
var prober *fake.Prober
var vlmProvider *fake.VLMProvider
var worker *Worker
var videoServer *httptest.Server
var videoBytes []byte

var _ = Describe("Worker", func() {
	BeforeEach(func() {
		ctx = context.Background()
		api = &fakeAPI{}
		videoBytes = []byte("not really an mp4, but it hashes fine")
		videoServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(videoBytes)
		}))
		DeferCleanup(videoServer.Close)

		prober = &fake.Prober{Default: &probe.Record{
			DurationSec: 30, Width: 1920, Height: 1080, FPS: 30, Codec: "h264", Container: "mp4",
		}}
		vlmProvider = &fake.VLMProvider{Rubric: vlm.Rubric{ActionMatch: 1, Perspective: 1, DemoQuality: 1, TrainingUtility: 1}}
		worker = NewWorker(api, prober, vlmProvider, clocktesting.NewFakeClock(time.Now()), Options{
			BatchSize:     4,
			Concurrency:   2,
			LeaseDuration: 10 * time.Minute,
		})
	})

	It("should score a clean submission through all three stages", func() {
		api.queue = []v1.WorkItem{workItem("sub-1", videoBytes, nil)}
		n, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Scored).ToNot(BeNil())
		// 1080p, 30fps, 30s: (1.0 + 0.9 + 1.0) / 3
		Expect(outcomes[0].Scored.Technical).To(BeNumerically("~", 29.0/30.0, 1e-9))
		Expect(outcomes[0].Scored.Relevance).To(BeNumerically("~", 1.0, 1e-9))
		Expect(outcomes[0].Scored.Quality).To(BeNumerically("~", 1.0, 1e-9))
		Expect(outcomes[0].Scored.PHash).ToNot(BeEmpty())
		Expect(outcomes[0].Scored.Details["model_version"]).To(Equal("fake-model"))
	})
	It("should reject a submission whose bytes do not match the claimed hash", func() {
		item := workItem("sub-1", videoBytes, nil)
		item.Submission.VideoHash = hexDigest([]byte("some other video"))
		api.queue = []v1.WorkItem{item}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Rejected).ToNot(BeNil())
		Expect(outcomes[0].Rejected.Reason).To(Equal(string(errors.CodeHashMismatch)))
	})
	It("should reject a submission whose probed metadata deviates from the declared values", func() {
		item := workItem("sub-1", videoBytes, nil)
		item.Submission.DurationSec = 60 // declared double the probed duration
		api.queue = []v1.WorkItem{item}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Rejected.Reason).To(Equal(string(errors.CodeTechnical)))
	})
	It("should score a submission whose probed resolution is within the declared tolerance", func() {
		prober.Default.Width = 1918
		prober.Default.Height = 1078
		api.queue = []v1.WorkItem{workItem("sub-1", videoBytes, nil)}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Scored).ToNot(BeNil())
	})
	It("should reject a submission whose probed resolution deviates beyond the tolerance", func() {
		prober.Default.Width = 1280
		prober.Default.Height = 720
		api.queue = []v1.WorkItem{workItem("sub-1", videoBytes, nil)}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(api.committed()[0].Rejected.Reason).To(Equal(string(errors.CodeTechnical)))
	})
	It("should reject an unsupported codec", func() {
		prober.Default.Codec = "mpeg2video"
		api.queue = []v1.WorkItem{workItem("sub-1", videoBytes, nil)}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(api.committed()[0].Rejected.Reason).To(Equal(string(errors.CodeTechnical)))
	})
	It("should enforce prompt-specific requirements", func() {
		item := workItem("sub-1", videoBytes, nil)
		item.Prompt.Requirements = store.Requirements{MinHeight: 2160}
		api.queue = []v1.WorkItem{item}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(api.committed()[0].Rejected.Reason).To(Equal(string(errors.CodeTechnical)))
	})
	It("should release the lease on a first model outage", func() {
		vlmProvider.NextError.Set(errors.New(errors.CodeVLMUnavailable, "model down"))
		api.queue = []v1.WorkItem{workItem("sub-1", videoBytes, nil)}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Release).To(BeTrue())
		Expect(outcomes[0].Scored).To(BeNil())
		Expect(outcomes[0].Rejected).To(BeNil())
	})
	It("should terminally reject after repeated model outages", func() {
		vlmProvider.NextError.Set(errors.New(errors.CodeVLMUnavailable, "model down"))
		item := workItem("sub-1", videoBytes, nil)
		item.Submission.VLMAttempts = maxVLMAttempts - 1
		api.queue = []v1.WorkItem{item}

		_, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Rejected).ToNot(BeNil())
		Expect(outcomes[0].Rejected.Reason).To(Equal(string(errors.CodeVLMUnavailable)))
	})
	It("should collapse the quality score for a near-duplicate", func() {
		phash, err := prober.PHash(ctx, "any", 30)
		Expect(err).ToNot(HaveOccurred())
		item := workItem("sub-1", videoBytes, []store.PHashRecord{
			{UUID: "older", MinerUID: 99, PHash: phash},
		})
		api.queue = []v1.WorkItem{item}

		_, err = worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		outcomes := api.committed()
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Scored).ToNot(BeNil())
		Expect(outcomes[0].Scored.Quality).To(BeNumerically("~", 0.0, 1e-9))
	})
	It("should evaluate a whole batch", func() {
		api.queue = []v1.WorkItem{
			workItem("sub-1", videoBytes, nil),
			workItem("sub-2", videoBytes, nil),
			workItem("sub-3", videoBytes, nil),
		}
		n, err := worker.runBatch(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(api.committed()).To(HaveLen(3))
	})
})

var _ = Describe("Technical scoring", func() {
	It("should grade a 1080p60 clip of ideal length as perfect", func() {
		record := &probe.Record{DurationSec: 30, Width: 1920, Height: 1080, FPS: 60, Codec: "h264", Container: "mp4"}
		Expect(technicalScore(record)).To(BeNumerically("~", 1.0, 1e-9))
	})
	It("should grade lower resolutions and frame rates down", func() {
		record := &probe.Record{DurationSec: 30, Width: 640, Height: 480, FPS: 24, Codec: "h264", Container: "mp4"}
		Expect(technicalScore(record)).To(BeNumerically("~", (0.6+0.8+1.0)/3, 1e-9))
	})
	It("should accept probed values within the declared tolerance", func() {
		Expect(withinTolerance(30.5, 30)).To(BeTrue())
		Expect(withinTolerance(29.5, 30)).To(BeTrue())
		Expect(withinTolerance(31, 30)).To(BeFalse())
		Expect(withinTolerance(1078, 1080)).To(BeTrue())
		Expect(withinTolerance(1918, 1920)).To(BeTrue())
		Expect(withinTolerance(1000, 1080)).To(BeFalse())
	})
})

func workItem(uuid string, video []byte, window []store.PHashRecord) v1.WorkItem {
	return v1.WorkItem{
		Submission: store.Submission{
			UUID:        uuid,
			CycleID:     2,
			PromptID:    "prompt-1",
			MinerUID:    42,
			MinerHotkey: "hk",
			VideoKey:    "uploads/x/" + uuid + ".mp4",
			VideoHash:   hexDigest(video),
			DurationSec: 30,
			Width:       1920,
			Height:      1080,
			FPS:         30,
			CameraType:  "ego_head",
			ActorType:   "human",
			State:       store.SubmissionEvaluating,
			SubmittedAt: time.Now(),
		},
		Prompt: store.Prompt{
			ID: "prompt-1", Category: "manipulation", Task: "pick", Scenario: "pick up the cup", Weight: 1, Active: true,
		},
		Download: storage.PresignedRequest{
			URL:    videoServer.URL + "/" + uuid,
			Method: http.MethodGet,
			Key:    "uploads/x/" + uuid + ".mp4",
		},
		DedupWindow: window,
	}
}

func hexDigest(b []byte) string {
	digest := sha256.Sum256(b)
	return hex.EncodeToString(digest[:])
}
