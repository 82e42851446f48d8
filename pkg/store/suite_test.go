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

package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/store"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store")
}

var ctx context.Context
var mock sqlmock.Sqlmock
var fakeClock *clocktesting.FakeClock
var st *store.Store

var _ = Describe("Store", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

		mockDB, sqlMock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = sqlMock
		st = store.NewWithDB(sqlx.NewDb(mockDB, "pgx"), store.WithClock(fakeClock))
		DeferCleanup(func() {
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Context("Leasing", func() {
		It("should renew a held lease to now plus the lease duration", func() {
			expires := fakeClock.Now().UTC().Add(10 * time.Minute)
			mock.ExpectExec(`UPDATE submissions SET lease_expires_at`).
				WithArgs(expires, "uuid-1", "worker-1", string(store.SubmissionEvaluating)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			renewed, err := st.RenewLease(ctx, "worker-1", "uuid-1", 10*time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(renewed).To(Equal(expires))
		})
		It("should fail renewal with LEASE_LOST when no row matches", func() {
			mock.ExpectExec(`UPDATE submissions SET lease_expires_at`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			_, err := st.RenewLease(ctx, "worker-1", "uuid-1", 10*time.Minute)
			Expect(errors.IsLeaseLost(err)).To(BeTrue())
		})
		It("should release a lease and report the bumped attempt count", func() {
			mock.ExpectQuery(`UPDATE submissions SET state = .+ vlm_attempts = vlm_attempts \+ 1`).
				WillReturnRows(sqlmock.NewRows([]string{"vlm_attempts"}).AddRow(2))

			attempts, err := st.ReleaseLease(ctx, "worker-1", "uuid-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(attempts).To(Equal(2))
		})
		It("should fail release with LEASE_LOST when the lease moved on", func() {
			mock.ExpectQuery(`UPDATE submissions SET state`).
				WillReturnError(sql.ErrNoRows)

			_, err := st.ReleaseLease(ctx, "worker-1", "uuid-1")
			Expect(errors.IsLeaseLost(err)).To(BeTrue())
		})
	})

	Context("Committing", func() {
		It("should refuse an outcome that is neither scored nor rejected", func() {
			Expect(st.CommitEvaluation(ctx, "worker-1", "uuid-1", store.Outcome{})).ToNot(Succeed())
		})
		It("should write the evaluation row in the same transaction as the state flip", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE submissions SET state`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO evaluations`).
				WithArgs("uuid-1", 0.9, 0.8, 1.0, store.ComposeFinalScore(0.9, 0.8, 1.0), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			Expect(st.CommitEvaluation(ctx, "worker-1", "uuid-1", store.Outcome{
				Scored: &store.ScoredOutcome{Technical: 0.9, Relevance: 0.8, Quality: 1.0},
			})).To(Succeed())
		})
		It("should skip the evaluation row for a rejection", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE submissions SET state`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			Expect(st.CommitEvaluation(ctx, "worker-1", "uuid-1", store.Outcome{
				Rejected: &store.RejectedOutcome{Reason: "TECHNICAL", Detail: "bad codec"},
			})).To(Succeed())
		})
		It("should roll back with LEASE_LOST when the state flip matches nothing", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE submissions SET state`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectRollback()

			err := st.CommitEvaluation(ctx, "worker-1", "uuid-1", store.Outcome{
				Scored: &store.ScoredOutcome{Technical: 1, Relevance: 1, Quality: 1},
			})
			Expect(errors.IsLeaseLost(err)).To(BeTrue())
		})
	})

	Context("Admission", func() {
		It("should fail with NO_OPEN_CYCLE when no cycle is active", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM cycles WHERE state`).
				WillReturnError(sql.ErrNoRows)
			mock.ExpectRollback()

			err := st.AdmitSubmission(ctx, &store.Submission{UUID: "uuid-1", MinerUID: 42})
			Expect(errors.IsCode(err, errors.CodeNoOpenCycle)).To(BeTrue())
		})
		It("should fail with RATE_LIMITED once the rolling window is full", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM cycles WHERE state`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "state", "started_at"}).
					AddRow(1, string(store.CycleActive), fakeClock.Now().UTC()))
			mock.ExpectExec(`pg_advisory_xact_lock`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\) FROM miner_rate_counters`).
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(store.DefaultRateLimit))
			mock.ExpectRollback()

			err := st.AdmitSubmission(ctx, &store.Submission{UUID: "uuid-1", MinerUID: 42, PromptID: "prompt-1"})
			Expect(errors.IsCode(err, errors.CodeRateLimited)).To(BeTrue())
		})
	})

	Context("Reads", func() {
		It("should map a missing submission onto NOT_FOUND", func() {
			mock.ExpectQuery(`SELECT \* FROM submissions WHERE uuid`).
				WillReturnError(sql.ErrNoRows)

			_, err := st.GetSubmission(ctx, "uuid-404")
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})
		It("should return a nil evaluation for an unscored submission", func() {
			mock.ExpectQuery(`SELECT \* FROM evaluations WHERE submission_uuid`).
				WillReturnError(sql.ErrNoRows)

			eval, err := st.GetEvaluation(ctx, "uuid-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(eval).To(BeNil())
		})
		It("should detect duplicates across every non-rejected state", func() {
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs(int64(42), "aabb", string(store.SubmissionRejected)).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			dup, err := st.HasDuplicate(ctx, 42, "aabb")
			Expect(err).ToNot(HaveOccurred())
			Expect(dup).To(BeTrue())
		})
	})
})
