// Package compliance holds the behavioral test suite every store backend
// must pass. The suite exercises the coordination contracts end to end:
// claim exclusivity, ownership guards, outbox delivery state, and the dead
// letter replay lifecycle.
package compliance

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/internal/application/dispatch"
	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Store is the full persistence surface under test.
type Store interface {
	worker.Coordinator
	worker.OutboxStore
	worker.ReconcilerStore
	dispatch.Repository
}

// RunStoreComplianceTest runs the standard behavior checks against a Store
// implementation. setup must return a store over an empty database and a
// teardown func; it is called once per subtest.
func RunStoreComplianceTest(t *testing.T, setup func() (Store, func())) {
	t.Run("InsertJobHoldsIdempotencyKey", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		first, firstWork := buildJob(42, 1, "alice")
		created, ok, err := store.InsertJob(ctx, first, firstWork)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, created.ID)

		// Same key, different everything else: the key decides.
		dup, dupWork := buildJob(42, 2, "bob")
		dup.IdempotencyKey = first.IdempotencyKey
		existing, ok, err := store.InsertJob(ctx, dup, dupWork)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, first.ID, existing.ID)
		assert.Equal(t, 1, existing.ReviewVersion)

		byKey, err := store.GetJobByIdempotencyKey(ctx, first.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, first.ID, byKey.ID)

		// The losing insert must leave no work item behind.
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, first.ID, item.JobID)

		item, err = store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("ClaimOrdersByPriorityThenAge", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		drainSeedItem(t, ctx, store)

		low := enqueueItem(t, ctx, store, job.ID, 1, time.Time{})
		highOld := enqueueItem(t, ctx, store, job.ID, 5, time.Time{})
		time.Sleep(5 * time.Millisecond) // distinct created_at for the age tiebreak
		highNew := enqueueItem(t, ctx, store, job.ID, 5, time.Time{})
		enqueueItem(t, ctx, store, job.ID, 9, time.Now().UTC().Add(time.Hour))

		for _, want := range []string{highOld, highNew, low} {
			item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, want, item.ID)
		}

		// The future item stays out of reach.
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("ConcurrentClaimsNeverShareAnItem", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		drainSeedItem(t, ctx, store)

		const items = 8
		for range items {
			enqueueItem(t, ctx, store, job.ID, 0, time.Time{})
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]string)
		)
		var wg sync.WaitGroup
		for i := range 4 {
			workerID := "w" + strconv.Itoa(i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					item, err := store.ClaimNextWorkItem(ctx, workerID, time.Minute)
					if err != nil || item == nil {
						return
					}
					mu.Lock()
					prev, dup := claimed[item.ID]
					claimed[item.ID] = workerID
					mu.Unlock()
					if dup {
						t.Errorf("item %s claimed by both %s and %s", item.ID, prev, workerID)
					}
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, items)
	})

	t.Run("OwnershipGuards", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, "w1", *item.ClaimedBy)
		assert.Equal(t, 1, item.AttemptCount)

		// A worker that does not hold the lease can touch nothing.
		err = store.ExtendLease(ctx, item.ID, "w2", time.Minute)
		assert.ErrorIs(t, err, domain.ErrWorkOwnershipLost)
		err = store.CompleteWorkItem(ctx, item.ID, "w2", nil)
		assert.ErrorIs(t, err, domain.ErrWorkOwnershipLost)
		err = store.RequeueForRetry(ctx, item.ID, "w2", domain.ErrorClassUpstream5xx, time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrWorkOwnershipLost)

		require.NoError(t, store.ExtendLease(ctx, item.ID, "w1", time.Minute))
		require.NoError(t, store.CompleteWorkItem(ctx, item.ID, "w1", nil))

		// Completion ends ownership too.
		err = store.CompleteWorkItem(ctx, item.ID, "w1", nil)
		assert.ErrorIs(t, err, domain.ErrWorkOwnershipLost)
	})

	t.Run("ExpiredLeaseIsSweptAndReclaimable", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", 20*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, item)

		// Nothing to sweep while the lease is live.
		n, err := store.RequeueExpiredLeases(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		time.Sleep(60 * time.Millisecond)

		n, err = store.RequeueExpiredLeases(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		reclaimed, err := store.ClaimNextWorkItem(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, item.ID, reclaimed.ID)
		assert.Equal(t, 2, reclaimed.AttemptCount)

		// The first worker's lease is gone for good.
		err = store.ExtendLease(ctx, item.ID, "w1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrWorkOwnershipLost)
	})

	t.Run("CompleteChainsNextStage", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, domain.JobStatusInProgress, mustGetJob(t, ctx, store, job.ID).Status)

		next := &domain.WorkItem{
			ID:      uuid.Must(uuid.NewV7()).String(),
			JobID:   job.ID,
			Stage:   domain.StageLLM,
			Payload: []byte(`{"diff_ref":"diff/42"}`),
			Status:  domain.WorkStatusQueued,
		}
		require.NoError(t, store.CompleteWorkItem(ctx, item.ID, "w1", next))

		done, err := store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkStatusCompleted, done.Status)
		assert.Nil(t, done.ClaimedBy)

		chained, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, chained)
		assert.Equal(t, next.ID, chained.ID)
		assert.Equal(t, domain.StageLLM, chained.Stage)
	})

	t.Run("RetrySchedulesBackoffAndMarksJob", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)

		runAt := time.Now().UTC().Add(time.Hour)
		require.NoError(t, store.RequeueForRetry(ctx, item.ID, "w1", domain.ErrorClassRateLimited, runAt))

		assert.Equal(t, domain.JobStatusRetryableFailed, mustGetJob(t, ctx, store, job.ID).Status)

		queued, err := store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkStatusQueued, queued.Status)
		require.NotNil(t, queued.LastErrorClass)
		assert.Equal(t, domain.ErrorClassRateLimited, *queued.LastErrorClass)

		// Backed off out of claim range.
		next, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("OutboxMaterializeIsIdempotent", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1, "alice", "bob")
		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"alice", "bob"}))

		entries, err := store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "alice", entries[0].Recipient)
		assert.Equal(t, "bob", entries[1].Recipient)

		// Progress on one row, then re-materialize: the row keeps its state.
		require.NoError(t, store.MarkOutboxSent(ctx, entries[0].ID, "notif-1", time.Now().UTC()))
		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"alice", "bob"}))

		entries, err = store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, domain.OutboxStatusSent, entries[0].Status)
		require.NotNil(t, entries[0].NotificationID)
		assert.Equal(t, "notif-1", *entries[0].NotificationID)
		assert.Equal(t, domain.OutboxStatusPending, entries[1].Status)
	})

	t.Run("OutboxKeepsFirstAcknowledgment", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"alice"}))
		entries, err := store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		id := entries[0].ID

		first := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, store.MarkOutboxSent(ctx, id, "notif-1", first))
		require.NoError(t, store.MarkOutboxSent(ctx, id, "notif-2", time.Now().UTC()))
		require.NoError(t, store.MarkOutboxFailedPermanent(ctx, id, "late failure"))
		require.NoError(t, store.ClearOutboxAmbiguity(ctx, id))

		entries, err = store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.OutboxStatusSent, entries[0].Status)
		require.NotNil(t, entries[0].NotificationID)
		assert.Equal(t, "notif-1", *entries[0].NotificationID)
		require.NotNil(t, entries[0].NotifiedAt)
		assert.Equal(t, first.UnixMilli(), entries[0].NotifiedAt.UnixMilli())
	})

	t.Run("FinalizeNotifyRequiresFullOutbox", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1, "alice", "bob")
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)

		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"alice", "bob"}))
		entries, err := store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.NoError(t, store.MarkOutboxSent(ctx, entries[0].ID, "notif-1", time.Now().UTC()))

		err = store.FinalizeNotify(ctx, item.ID, "w1", job.ID)
		assert.ErrorIs(t, err, domain.ErrOutboxIncomplete)

		// The rejection rolls the whole transaction back: the work item is
		// still running and the job untouched.
		running, err := store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkStatusRunning, running.Status)
		assert.Equal(t, domain.JobStatusInProgress, mustGetJob(t, ctx, store, job.ID).Status)

		require.NoError(t, store.MarkOutboxSent(ctx, entries[1].ID, "notif-2", time.Now().UTC()))
		require.NoError(t, store.FinalizeNotify(ctx, item.ID, "w1", job.ID))
		assert.Equal(t, domain.JobStatusSucceeded, mustGetJob(t, ctx, store, job.ID).Status)

		completed, err := store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkStatusCompleted, completed.Status)
	})

	t.Run("DeadLetterReplayLifecycle", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)

		dl := buildDeadLetter(job, item, domain.ErrorClassSchemaInvalid)
		require.NoError(t, store.MoveToDeadLetter(ctx, item.ID, "w1", dl))

		assert.Equal(t, domain.JobStatusFailed, mustGetJob(t, ctx, store, job.ID).Status)
		failed, err := store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkStatusFailed, failed.Status)

		stored, err := store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusOpen, stored.Status)
		assert.Equal(t, item.ID, stored.WorkID)

		require.NoError(t, store.AttachEvidence(ctx, dl.ID, "evidence/"+dl.ID+"/fix.md"))
		stored, err = store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.RemediationEvidenceRef)
		assert.Equal(t, "evidence/"+dl.ID+"/fix.md", *stored.RemediationEvidenceRef)

		replay := &domain.WorkItem{
			ID:       uuid.Must(uuid.NewV7()).String(),
			JobID:    job.ID,
			Stage:    item.Stage,
			Payload:  item.Payload,
			Status:   domain.WorkStatusQueued,
			ReplayOf: &dl.ID,
		}
		require.NoError(t, store.StartReplay(ctx, dl.ID, "", replay))

		stored, err = store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusReplaying, stored.Status)
		assert.Equal(t, 1, stored.ReplayCount)
		assert.Equal(t, domain.JobStatusPending, mustGetJob(t, ctx, store, job.ID).Status)

		// Replaying and resolved dead letters reject another replay.
		err = store.StartReplay(ctx, dl.ID, "", replay)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		claimed, err := store.ClaimNextWorkItem(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, replay.ID, claimed.ID)
		require.NotNil(t, claimed.ReplayOf)
		assert.Equal(t, dl.ID, *claimed.ReplayOf)

		// The replay run reaches notify and finalizes: the dead letter is
		// resolved in the same transaction.
		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"alice"}))
		entries, err := store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, store.MarkOutboxSent(ctx, entries[0].ID, "notif-1", time.Now().UTC()))
		require.NoError(t, store.FinalizeNotify(ctx, claimed.ID, "w2", job.ID))

		stored, err = store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusResolved, stored.Status)

		err = store.ResolveDeadLetter(ctx, dl.ID, "done twice")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("ReplayFailureReopens", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		item, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)

		dl := buildDeadLetter(job, item, domain.ErrorClassAuthDenied)
		require.NoError(t, store.MoveToDeadLetter(ctx, item.ID, "w1", dl))

		replay := &domain.WorkItem{
			ID:       uuid.Must(uuid.NewV7()).String(),
			JobID:    job.ID,
			Stage:    item.Stage,
			Payload:  item.Payload,
			Status:   domain.WorkStatusQueued,
			ReplayOf: &dl.ID,
		}
		require.NoError(t, store.StartReplay(ctx, dl.ID, "evidence/fix.md", replay))

		claimed, err := store.ClaimNextWorkItem(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		dl.AttemptCount++
		dl.LastFailureAt = time.Now().UTC()
		require.NoError(t, store.RecordReplayFailure(ctx, claimed.ID, "w2", dl, true))

		stored, err := store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusReopened, stored.Status)
		assert.Equal(t, domain.JobStatusFailed, mustGetJob(t, ctx, store, job.ID).Status)

		// Reopened dead letters can be replayed again.
		second := &domain.WorkItem{
			ID:       uuid.Must(uuid.NewV7()).String(),
			JobID:    job.ID,
			Stage:    item.Stage,
			Payload:  item.Payload,
			Status:   domain.WorkStatusQueued,
			ReplayOf: &dl.ID,
		}
		require.NoError(t, store.StartReplay(ctx, dl.ID, "", second))
		stored, err = store.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.ReplayCount)
	})

	t.Run("LatestSucceededJobIgnoresLowerVersions", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		v1 := seedJob(t, ctx, store, 42, 1)
		require.NoError(t, store.FinalizeJob(ctx, v1.ID, domain.JobStatusSucceeded))
		v3 := seedJob(t, ctx, store, 42, 3)
		require.NoError(t, store.FinalizeJob(ctx, v3.ID, domain.JobStatusSucceeded))
		v2 := seedJob(t, ctx, store, 42, 2)
		require.NoError(t, store.FinalizeJob(ctx, v2.ID, domain.JobStatusFailed))

		latest, err := store.LatestSucceededJob(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, v3.ID, latest.ID)
		assert.Equal(t, 3, latest.ReviewVersion)

		_, err = store.LatestSucceededJob(ctx, 777)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		// Terminal is terminal.
		err = store.FinalizeJob(ctx, v1.ID, domain.JobStatusFailed)
		assert.ErrorIs(t, err, domain.ErrJobTerminal)
	})

	t.Run("ListDeadLettersFilters", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		jobA := seedJob(t, ctx, store, 42, 1)
		itemA, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, itemA)
		dlA := buildDeadLetter(jobA, itemA, domain.ErrorClassSchemaInvalid)
		require.NoError(t, store.MoveToDeadLetter(ctx, itemA.ID, "w1", dlA))

		jobB := seedJob(t, ctx, store, 43, 1)
		itemB, err := store.ClaimNextWorkItem(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, itemB)
		dlB := buildDeadLetter(jobB, itemB, domain.ErrorClassAuthDenied)
		require.NoError(t, store.MoveToDeadLetter(ctx, itemB.ID, "w1", dlB))

		all, err := store.ListDeadLetters(ctx, domain.DeadLetterFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		byClass, err := store.ListDeadLetters(ctx, domain.DeadLetterFilter{ErrorClass: domain.ErrorClassAuthDenied})
		require.NoError(t, err)
		require.Len(t, byClass, 1)
		assert.Equal(t, dlB.ID, byClass[0].ID)

		byJob, err := store.ListDeadLetters(ctx, domain.DeadLetterFilter{JobID: jobA.ID})
		require.NoError(t, err)
		require.Len(t, byJob, 1)
		assert.Equal(t, dlA.ID, byJob[0].ID)

		limited, err := store.ListDeadLetters(ctx, domain.DeadLetterFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := store.ListDeadLetters(ctx, domain.DeadLetterFilter{Status: domain.DeadLetterStatusResolved})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("AmbiguousOutboxRoundTrip", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, ctx, store, 42, 1)
		require.NoError(t, store.MaterializeOutbox(ctx, job.ID, 42, 1, []string{"carol"}))
		entries, err := store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		id := entries[0].ID

		require.NoError(t, store.RecordOutboxAttempt(ctx, id, domain.SendAttemptedSentinel))

		cutoff := time.Now().UTC().Add(time.Minute)
		ambiguous, err := store.ListAmbiguousOutbox(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, ambiguous, 1)
		assert.Equal(t, id, ambiguous[0].ID)
		assert.Equal(t, 1, ambiguous[0].AttemptCount)

		require.NoError(t, store.ClearOutboxAmbiguity(ctx, id))
		ambiguous, err = store.ListAmbiguousOutbox(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, ambiguous)

		// Attempt history survives the reset.
		entries, err = store.ListOutbox(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].AttemptCount)
		assert.Nil(t, entries[0].LastError)

		sentAt := time.Now().UTC()
		require.NoError(t, store.MarkOutboxSent(ctx, id, "notif-1", sentAt))
		sent, err := store.ListSentSince(ctx, sentAt.Add(-time.Second), 10)
		require.NoError(t, err)
		require.Len(t, sent, 1)
		assert.Equal(t, id, sent[0].ID)
	})
}

// buildJob constructs a pending job and its first fetch work item.
func buildJob(changelistID int64, version int, recipients ...string) (*domain.Job, *domain.WorkItem) {
	if len(recipients) == 0 {
		recipients = []string{"alice"}
	}
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:             id,
		IdempotencyKey: "key-" + id,
		ChangelistID:   changelistID,
		ReviewVersion:  version,
		Recipients:     recipients,
		Status:         domain.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	work := &domain.WorkItem{
		ID:      uuid.Must(uuid.NewV7()).String(),
		JobID:   id,
		Stage:   domain.StageFetch,
		Payload: []byte(`{"changelist_id":` + strconv.FormatInt(changelistID, 10) + `}`),
		Status:  domain.WorkStatusQueued,
	}
	return job, work
}

func seedJob(t *testing.T, ctx context.Context, store Store, changelistID int64, version int, recipients ...string) *domain.Job {
	t.Helper()
	job, work := buildJob(changelistID, version, recipients...)
	created, ok, err := store.InsertJob(ctx, job, work)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

// drainSeedItem claims and completes the fetch item seedJob enqueued so
// queue-ordering tests start from an empty queue.
func drainSeedItem(t *testing.T, ctx context.Context, store Store) {
	t.Helper()
	item, err := store.ClaimNextWorkItem(ctx, "drain", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, store.CompleteWorkItem(ctx, item.ID, "drain", nil))
}

func enqueueItem(t *testing.T, ctx context.Context, store Store, jobID string, priority int, runAt time.Time) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	require.NoError(t, store.Enqueue(ctx, &domain.WorkItem{
		ID:       id,
		JobID:    jobID,
		Stage:    domain.StageLLM,
		Payload:  []byte(`{}`),
		Status:   domain.WorkStatusQueued,
		Priority: priority,
		RunAt:    runAt,
	}))
	return id
}

func buildDeadLetter(job *domain.Job, item *domain.WorkItem, class domain.ErrorClass) *domain.DeadLetter {
	now := time.Now().UTC()
	return &domain.DeadLetter{
		ID:               uuid.Must(uuid.NewV7()).String(),
		JobID:            job.ID,
		WorkID:           item.ID,
		Stage:            item.Stage,
		ErrorClass:       class,
		SanitizedContext: []byte(`{"stage":"` + string(item.Stage) + `"}`),
		FirstFailureAt:   now,
		LastFailureAt:    now,
		AttemptCount:     item.AttemptCount,
		Status:           domain.DeadLetterStatusOpen,
	}
}

func mustGetJob(t *testing.T, ctx context.Context, store Store, jobID string) *domain.Job {
	t.Helper()
	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	return job
}
