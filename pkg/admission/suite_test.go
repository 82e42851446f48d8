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

package admission_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kibotos/kibotos/pkg/admission"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/fake"
	"github.com/kibotos/kibotos/pkg/store"
)

func TestAdmission(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Admission")
}

var ctx context.Context
var fakeClock *clocktesting.FakeClock
var fakeStore *fake.InMemoryStore
var admitter *admission.Admitter
var minerKey ed25519.PrivateKey
var minerHotkey string

var _ = Describe("Admission", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Now())
		fakeStore = fake.NewInMemoryStore(fakeClock)
		admitter = admission.NewAdmitter(fakeStore, fakeClock)

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
	})

	It("should admit a well-formed signed submission", func() {
		sub, err := admitter.Admit(ctx, validRequest("vid-1"))
		Expect(err).ToNot(HaveOccurred())
		Expect(sub.UUID).ToNot(BeEmpty())
		Expect(sub.State).To(Equal(store.SubmissionPending))
		Expect(sub.CycleID).To(BeNumerically("==", 1))

		stored, err := fakeStore.GetSubmission(ctx, sub.UUID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.MinerUID).To(BeNumerically("==", 42))
	})
	It("should reject a tampered signature", func() {
		req := validRequest("vid-1")
		req.VideoKey = "uploads/other/key.mp4"
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeBadSignature)).To(BeTrue())
	})
	It("should reject a signature from a different key", func() {
		_, otherKey, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).ToNot(HaveOccurred())
		req := validRequest("vid-1")
		payload := admission.CanonicalPayload(req.VideoHash, req.VideoKey, req.PromptID, req.MinerUID, req.SubmittedAt)
		req.Signature = admission.Sign(otherKey, payload)
		_, err = admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeBadSignature)).To(BeTrue())
	})
	It("should reject a malformed hotkey", func() {
		req := validRequest("vid-1")
		req.MinerHotkey = "deadbeef"
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeBadSignature)).To(BeTrue())
	})
	It("should reject an unknown camera type", func() {
		req := validRequest("vid-1")
		req.CameraType = "drone"
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject out-of-range declared metadata", func() {
		req := validRequest("vid-1")
		req.DurationSec = 900
		req.Width = 100
		req.Height = 80
		req.FPS = 5
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject a declared duration beyond five minutes", func() {
		req := validRequest("vid-1")
		req.DurationSec = 301
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject a declared resolution below the floor", func() {
		req := validRequest("vid-1")
		req.Width = 320
		req.Height = 240
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject a declared frame rate outside the supported band", func() {
		low := validRequest("vid-1")
		low.FPS = 5
		_, err := admitter.Admit(ctx, low)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())

		high := validRequest("vid-2")
		high.FPS = 240
		_, err = admitter.Admit(ctx, high)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should admit declared metadata on the range boundaries", func() {
		req := validRequest("vid-1")
		req.DurationSec = 300
		req.Width = 480
		req.Height = 360
		req.FPS = 120
		_, err := admitter.Admit(ctx, req)
		Expect(err).ToNot(HaveOccurred())
	})
	It("should reject a video hash that is not sha-256 shaped", func() {
		req := validRequest("vid-1")
		req.VideoHash = "abc123"
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject a stale submitted_at", func() {
		req := validRequest("vid-1")
		req.SubmittedAt = fakeClock.Now().Add(-30 * time.Minute)
		resign(req)
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeValidation)).To(BeTrue())
	})
	It("should reject a duplicate video hash from the same miner", func() {
		_, err := admitter.Admit(ctx, validRequest("vid-1"))
		Expect(err).ToNot(HaveOccurred())
		_, err = admitter.Admit(ctx, validRequest("vid-1"))
		Expect(errors.IsCode(err, errors.CodeDuplicate)).To(BeTrue())
	})
	It("should reject an unknown prompt", func() {
		req := validRequest("vid-1")
		req.PromptID = "prompt-404"
		resign(req)
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeUnknownPrompt)).To(BeTrue())
	})
	It("should reject an inactive prompt", func() {
		Expect(fakeStore.CreatePrompt(ctx, &store.Prompt{
			ID: "prompt-old", Category: "manipulation", Task: "t", Scenario: "s", Weight: 1, Active: false,
		})).To(Succeed())
		req := validRequest("vid-1")
		req.PromptID = "prompt-old"
		resign(req)
		_, err := admitter.Admit(ctx, req)
		Expect(errors.IsCode(err, errors.CodeUnknownPrompt)).To(BeTrue())
	})
	It("should enforce the hourly rate limit", func() {
		for i := 0; i < fake.DefaultRateLimit; i++ {
			_, err := admitter.Admit(ctx, validRequest(fmt.Sprintf("vid-%d", i)))
			Expect(err).ToNot(HaveOccurred())
		}
		_, err := admitter.Admit(ctx, validRequest("vid-over"))
		Expect(errors.IsCode(err, errors.CodeRateLimited)).To(BeTrue())
	})
	It("should admit again after the rate window slides", func() {
		for i := 0; i < fake.DefaultRateLimit; i++ {
			_, err := admitter.Admit(ctx, validRequest(fmt.Sprintf("vid-%d", i)))
			Expect(err).ToNot(HaveOccurred())
		}
		fakeClock.Step(61 * time.Minute)
		_, err := admitter.Admit(ctx, validRequest("vid-later"))
		Expect(err).ToNot(HaveOccurred())
	})
	It("should fail with no open cycle", func() {
		fakeClock2 := clocktesting.NewFakeClock(time.Now())
		emptyStore := fake.NewInMemoryStore(fakeClock2)
		Expect(emptyStore.CreatePrompt(ctx, &store.Prompt{
			ID: "prompt-1", Category: "m", Task: "t", Scenario: "s", Weight: 1, Active: true,
		})).To(Succeed())
		_, err := admission.NewAdmitter(emptyStore, fakeClock2).Admit(ctx, validRequest("vid-1"))
		Expect(errors.IsCode(err, errors.CodeNoOpenCycle)).To(BeTrue())
	})
})

var _ = Describe("CanonicalPayload", func() {
	It("should be insensitive to sub-minute timestamp jitter", func() {
		base := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
		a := admission.CanonicalPayload("hash", "key", "prompt", 1, base.Add(5*time.Second))
		b := admission.CanonicalPayload("hash", "key", "prompt", 1, base.Add(40*time.Second))
		Expect(a).To(Equal(b))
	})
	It("should change when any signed field changes", func() {
		at := time.Now()
		base := admission.CanonicalPayload("hash", "key", "prompt", 1, at)
		Expect(admission.CanonicalPayload("hash2", "key", "prompt", 1, at)).ToNot(Equal(base))
		Expect(admission.CanonicalPayload("hash", "key2", "prompt", 1, at)).ToNot(Equal(base))
		Expect(admission.CanonicalPayload("hash", "key", "prompt2", 1, at)).ToNot(Equal(base))
		Expect(admission.CanonicalPayload("hash", "key", "prompt", 2, at)).ToNot(Equal(base))
	})
})

func validRequest(videoName string) *admission.Request {
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
	resign(req)
	return req
}

func resign(req *admission.Request) {
	payload := admission.CanonicalPayload(req.VideoHash, req.VideoKey, req.PromptID, req.MinerUID, req.SubmittedAt)
	req.Signature = admission.Sign(minerKey, payload)
}
