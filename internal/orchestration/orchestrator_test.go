package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCommitter struct {
	mu      sync.Mutex
	batches [][]storage.Write
	fn      func(ctx context.Context, writes []storage.Write) ([]storage.WriteResult, error)
}

func (f *fakeCommitter) Commit(ctx context.Context, writes []storage.Write) ([]storage.WriteResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, writes)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, writes)
	}
	results := make([]storage.WriteResult, len(writes))
	for i, w := range writes {
		results[i] = storage.WriteResult{Reference: storage.Reference{Type: w.Key.Type, ID: w.Key.ID, VersionID: "1"}}
	}
	return results, nil
}

func (f *fakeCommitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func stage(id string) Prepared {
	return Staged(storage.Write{
		Key:     storage.Key{Type: "Patient", ID: id},
		Method:  storage.MethodUpdate,
		Payload: json.RawMessage(`{"resourceType":"Patient"}`),
	})
}

func written(id string) Prepared {
	return Written(storage.Reference{Type: "Patient", ID: id, VersionID: "1"})
}

// submitAll submits every prepared result concurrently and returns the
// outcomes indexed by entry key.
func submitAll(t *testing.T, op *Operation, prepared []Prepared) []Outcome {
	t.Helper()
	outcomes := make([]Outcome, len(prepared))
	var wg sync.WaitGroup
	for i, p := range prepared {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := op.Submit(context.Background(), i, p)
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()
	return outcomes
}

func newTestOrchestrator(t *testing.T, c storage.Committer, opts ...Option) *Orchestrator {
	t.Helper()
	return New(c, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestCreateNewOperation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCommitter{})

	t.Run("rejects empty label", func(t *testing.T) {
		_, err := o.CreateNewOperation(Batch, "", 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("rejects non-positive counts", func(t *testing.T) {
		for _, n := range []int{0, -1} {
			_, err := o.CreateNewOperation(Transaction, "bundle", n)
			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.True(t, argErr.OutOfRange)
			assert.Equal(t, "expectedCount", argErr.Param)
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := o.CreateNewOperation(OperationType(9), "bundle", 1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("starts in Created with the declared count", func(t *testing.T) {
		op, err := o.CreateNewOperation(Transaction, "bundle", 3)
		require.NoError(t, err)
		assert.Equal(t, Created, op.State())
		assert.Equal(t, 3, op.OriginalExpectedCount())
		assert.Equal(t, 3, op.CurrentExpectedCount())
		assert.Equal(t, "bundle", op.Label())
		assert.Equal(t, Transaction, op.Type())
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[uuid.UUID]struct{})
		for i := 0; i < 100; i++ {
			op, err := o.CreateNewOperation(Batch, fmt.Sprintf("b-%d", i), 1)
			require.NoError(t, err)
			_, dup := seen[op.ID()]
			require.False(t, dup)
			seen[op.ID()] = struct{}{}
		}
	})

	t.Run("regenerates colliding ids", func(t *testing.T) {
		fixed := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
		ids := []uuid.UUID{uuid.Nil, fixed, fixed, uuid.New()}
		o := newTestOrchestrator(t, &fakeCommitter{})
		o.newID = func() uuid.UUID {
			id := ids[0]
			ids = ids[1:]
			return id
		}

		first, err := o.CreateNewOperation(Batch, "a", 1)
		require.NoError(t, err)
		assert.Equal(t, fixed, first.ID())

		second, err := o.CreateNewOperation(Batch, "b", 1)
		require.NoError(t, err)
		assert.NotEqual(t, fixed, second.ID())
		assert.NotEqual(t, uuid.Nil, second.ID())
	})
}

func TestRemoveOperation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCommitter{})

	t.Run("nil id is invalid", func(t *testing.T) {
		err := o.RemoveOperation(uuid.Nil)
		assert.ErrorIs(t, err, ErrInvalidOperationID)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.NoError(t, o.RemoveOperation(uuid.New()))
	})

	t.Run("removed operations are no longer found", func(t *testing.T) {
		op, err := o.CreateNewOperation(Batch, "bundle", 1)
		require.NoError(t, err)
		_, ok := o.GetOperation(op.ID())
		require.True(t, ok)

		require.NoError(t, o.RemoveOperation(op.ID()))
		_, ok = o.GetOperation(op.ID())
		assert.False(t, ok)

		_, err = o.Join(op.ID(), 0)
		assert.ErrorIs(t, err, ErrOperationNotFound)
	})

	t.Run("removing a live operation releases its waiters", func(t *testing.T) {
		op, err := o.CreateNewOperation(Transaction, "bundle", 2)
		require.NoError(t, err)

		done := make(chan Outcome, 1)
		go func() {
			out, _ := op.Submit(context.Background(), 0, stage("a"))
			done <- out
		}()
		require.Eventually(t, func() bool { return op.Arrived() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, o.RemoveOperation(op.ID()))
		out := <-done
		assert.Equal(t, StatusCanceled, out.Status)
		assert.Equal(t, Canceled, op.State())
	})
}

func TestTransaction(t *testing.T) {
	t.Run("commits exactly once with every staged write", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)

		const n = 25
		op, err := o.CreateNewOperation(Transaction, "tx", n)
		require.NoError(t, err)

		prepared := make([]Prepared, n)
		for i := range prepared {
			prepared[i] = stage(fmt.Sprintf("p%02d", i))
		}
		outcomes := submitAll(t, op, prepared)

		require.Equal(t, 1, committer.calls())
		writes := committer.batches[0]
		require.Len(t, writes, n)
		for i, w := range writes {
			assert.Equal(t, fmt.Sprintf("p%02d", i), w.Key.ID, "writes are committed in entry order")
		}
		for i, out := range outcomes {
			assert.Equal(t, StatusSucceeded, out.Status)
			assert.Equal(t, fmt.Sprintf("p%02d", i), out.Reference.ID, "outcome belongs to its own entry")
		}
		assert.Equal(t, Completed, op.State())

		s := Summarize(op)
		assert.Equal(t, n, s.LoadedCount)
		assert.Zero(t, s.FailedCount)
		assert.Empty(t, s.Errors)
	})

	t.Run("fatal entry aborts without committing", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 3)
		require.NoError(t, err)

		boom := errors.New("resource type mismatch")
		outcomes := submitAll(t, op, []Prepared{stage("a"), Rejected(boom), stage("c")})

		assert.Zero(t, committer.calls())
		assert.Equal(t, Aborted, op.State())
		assert.ErrorIs(t, op.Err(), ErrFatalEntry)
		assert.ErrorIs(t, op.Err(), boom)
		for _, out := range outcomes {
			assert.Equal(t, StatusAborted, out.Status)
		}

		s := Summarize(op)
		assert.Zero(t, s.LoadedCount)
		assert.Equal(t, 3, s.FailedCount)
		assert.Len(t, s.Errors, 3)
	})

	t.Run("participant without a staged write is fatal", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 1)
		require.NoError(t, err)

		out, err := op.Submit(context.Background(), 0, Prepared{})
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, out.Status)
		assert.Zero(t, committer.calls())
	})

	t.Run("commit error fails every entry", func(t *testing.T) {
		boom := errors.New("disk full")
		committer := &fakeCommitter{fn: func(context.Context, []storage.Write) ([]storage.WriteResult, error) {
			return nil, boom
		}}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 2)
		require.NoError(t, err)

		outcomes := submitAll(t, op, []Prepared{stage("a"), stage("b")})
		assert.Equal(t, Failed, op.State())
		assert.ErrorIs(t, op.Err(), ErrCommitFailure)
		assert.ErrorIs(t, op.Err(), boom)
		for _, out := range outcomes {
			assert.Equal(t, StatusFailed, out.Status)
		}
		assert.Equal(t, 2, Summarize(op).FailedCount)
	})

	t.Run("short result set is a commit failure", func(t *testing.T) {
		committer := &fakeCommitter{fn: func(context.Context, []storage.Write) ([]storage.WriteResult, error) {
			return []storage.WriteResult{{}}, nil
		}}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 2)
		require.NoError(t, err)

		submitAll(t, op, []Prepared{stage("a"), stage("b")})
		assert.Equal(t, Failed, op.State())
		assert.ErrorIs(t, op.Err(), ErrCommitFailure)
	})

	t.Run("per-write failures are attributed to their entry", func(t *testing.T) {
		conflict := &storage.ConflictError{Key: storage.Key{Type: "Patient", ID: "b"}, Expected: "1", Actual: "2"}
		committer := &fakeCommitter{fn: func(_ context.Context, writes []storage.Write) ([]storage.WriteResult, error) {
			results := make([]storage.WriteResult, len(writes))
			for i, w := range writes {
				if w.Key.ID == "b" {
					results[i].Err = conflict
					continue
				}
				results[i].Reference = storage.Reference{Type: w.Key.Type, ID: w.Key.ID, VersionID: "1"}
			}
			return results, nil
		}}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 3)
		require.NoError(t, err)

		outcomes := submitAll(t, op, []Prepared{stage("a"), stage("b"), stage("c")})
		assert.Equal(t, Completed, op.State())
		assert.Equal(t, StatusSucceeded, outcomes[0].Status)
		assert.Equal(t, StatusFailed, outcomes[1].Status)
		assert.ErrorIs(t, outcomes[1].Err, storage.ErrVersionConflict)
		assert.Equal(t, StatusSucceeded, outcomes[2].Status)

		s := Summarize(op)
		assert.Equal(t, 2, s.LoadedCount)
		assert.Equal(t, 1, s.FailedCount)
		assert.Len(t, s.Errors, 1)
	})

	t.Run("participant cancelled before arrival cancels the operation", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 2)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out, err := op.Submit(ctx, 0, stage("a"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusCanceled, out.Status)
		assert.Equal(t, Canceled, op.State())

		late, err := op.Submit(context.Background(), 1, stage("b"))
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, late.Status)
		assert.Zero(t, committer.calls())
	})
}

func TestBatch(t *testing.T) {
	t.Run("entries resolve independently", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Batch, "batch", 5)
		require.NoError(t, err)

		boom := errors.New("invalid resource")
		outcomes := submitAll(t, op, []Prepared{
			written("a"), written("b"), Rejected(boom), written("d"), written("e"),
		})

		assert.Zero(t, committer.calls(), "batch entries write on their own")
		assert.Equal(t, Completed, op.State())
		assert.Equal(t, StatusFailed, outcomes[2].Status)
		assert.ErrorIs(t, outcomes[2].Err, boom)
		assert.Equal(t, "d", outcomes[3].Reference.ID)

		s := Summarize(op)
		assert.Equal(t, 4, s.LoadedCount)
		assert.Equal(t, 1, s.FailedCount)
		assert.Equal(t, []string{"entry 2: invalid resource"}, s.Errors)
	})

	t.Run("cancelled participant keeps its completed write", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 2)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out, err := op.Submit(ctx, 0, written("a"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusSucceeded, out.Status)
		assert.Equal(t, "a", out.Reference.ID)

		_, err = op.Submit(context.Background(), 1, written("b"))
		require.NoError(t, err)
		assert.Equal(t, Completed, op.State())

		got, ok := op.Outcome(0)
		require.True(t, ok)
		assert.True(t, got.OK())

		s := Summarize(op)
		assert.Equal(t, 2, s.LoadedCount)
		assert.Zero(t, s.FailedCount)
		assert.Empty(t, s.Errors)
	})

	t.Run("cancelled participant without a write fails", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 1)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out, err := op.Submit(ctx, 0, Prepared{})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, out.Status)
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, Completed, op.State())
	})

	t.Run("write finished after the deadline is counted as loaded", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 3, WithTimeout(20*time.Millisecond))
		require.NoError(t, err)

		out, err := op.Submit(context.Background(), 0, written("a"))
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, out.Status)
		assert.Equal(t, Canceled, op.State())
		assert.ErrorIs(t, op.Err(), ErrDeadlineExceeded)

		out, err = op.Submit(context.Background(), 1, written("b"))
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, out.Status)
		assert.Equal(t, "b", out.Reference.ID)
		assert.Equal(t, Canceled, op.State())

		// A late entry that wrote nothing stays unaccounted until summarized.
		out, err = op.Submit(context.Background(), 2, Rejected(errors.New("too late")))
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, out.Status)

		_, err = op.Submit(context.Background(), 1, written("b"))
		assert.ErrorIs(t, err, ErrDuplicateEntry)

		s := Summarize(op)
		assert.Equal(t, 2, s.LoadedCount)
		assert.Equal(t, 1, s.FailedCount)
		require.Len(t, s.Errors, 1)
		assert.Contains(t, s.Errors[0], "never arrived")
	})
}

func TestOperation_Submit(t *testing.T) {
	t.Run("duplicate key is rejected", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 2)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = op.Submit(context.Background(), 0, written("a"))
		}()
		require.Eventually(t, func() bool { return op.Arrived() == 1 }, time.Second, time.Millisecond)

		_, err = op.Submit(context.Background(), 0, written("a"))
		assert.ErrorIs(t, err, ErrDuplicateEntry)

		_, err = op.Submit(context.Background(), 1, written("b"))
		require.NoError(t, err)
		<-done
	})

	t.Run("submission after completion is closed", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 1)
		require.NoError(t, err)
		_, err = op.Submit(context.Background(), 0, written("a"))
		require.NoError(t, err)

		out, err := op.Submit(context.Background(), 1, written("b"))
		assert.ErrorIs(t, err, ErrOperationClosed)
		assert.Equal(t, StatusFailed, out.Status)
	})

	t.Run("waiter context unblocks without resolving", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Batch, "batch", 2)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)
		go func() {
			_, err := op.Submit(ctx, 0, written("a"))
			result <- err
		}()
		require.Eventually(t, func() bool { return op.Arrived() == 1 }, time.Second, time.Millisecond)
		cancel()

		assert.ErrorIs(t, <-result, context.Canceled)
		assert.Equal(t, AwaitingResources, op.State())
	})
}

func TestOperation_Cancellation(t *testing.T) {
	t.Run("ambient context releases waiters", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)

		ctx, cancel := context.WithCancel(context.Background())
		op, err := o.CreateNewOperation(Transaction, "tx", 3, WithContext(ctx))
		require.NoError(t, err)

		var wg sync.WaitGroup
		outcomes := make([]Outcome, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i], _ = op.Submit(context.Background(), i, stage(fmt.Sprint(i)))
			}()
		}
		require.Eventually(t, func() bool { return op.Arrived() == 2 }, time.Second, time.Millisecond)
		cancel()
		wg.Wait()

		assert.Equal(t, Canceled, op.State())
		assert.ErrorIs(t, op.Err(), ErrCanceled)
		assert.ErrorIs(t, op.Err(), context.Canceled)
		for _, out := range outcomes {
			assert.Equal(t, StatusCanceled, out.Status)
		}
		assert.Zero(t, committer.calls())

		s := Summarize(op)
		assert.Zero(t, s.LoadedCount)
		assert.Equal(t, 3, s.FailedCount)
		assert.Len(t, s.Errors, 3)
	})

	t.Run("deadline cancels a stalled operation", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		op, err := o.CreateNewOperation(Transaction, "tx", 2, WithTimeout(20*time.Millisecond))
		require.NoError(t, err)

		out, err := op.Submit(context.Background(), 0, stage("a"))
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, out.Status)
		assert.ErrorIs(t, op.Err(), ErrDeadlineExceeded)
	})

	t.Run("already cancelled context resolves immediately", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeCommitter{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		op, err := o.CreateNewOperation(Batch, "batch", 1, WithContext(ctx))
		require.NoError(t, err)
		require.NoError(t, op.Wait(context.Background()))
		assert.Equal(t, Canceled, op.State())
	})

	t.Run("commit in progress is not interrupted by the deadline", func(t *testing.T) {
		release := make(chan struct{})
		committer := &fakeCommitter{fn: func(_ context.Context, writes []storage.Write) ([]storage.WriteResult, error) {
			<-release
			return make([]storage.WriteResult, len(writes)), nil
		}}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 1, WithTimeout(10*time.Millisecond))
		require.NoError(t, err)

		result := make(chan Outcome, 1)
		go func() {
			out, _ := op.Submit(context.Background(), 0, stage("a"))
			result <- out
		}()
		require.Eventually(t, func() bool { return op.State() == Committing }, time.Second, time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, Committing, op.State())

		close(release)
		assert.Equal(t, StatusSucceeded, (<-result).Status)
		assert.Equal(t, Completed, op.State())
	})
}

func TestOperation_Withdraw(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCommitter{})

	t.Run("lowers the barrier", func(t *testing.T) {
		op, err := o.CreateNewOperation(Batch, "batch", 3)
		require.NoError(t, err)
		require.NoError(t, op.Withdraw(2))
		assert.Equal(t, 1, op.CurrentExpectedCount())
		assert.Equal(t, 3, op.OriginalExpectedCount())

		out, err := op.Submit(context.Background(), 0, written("a"))
		require.NoError(t, err)
		assert.True(t, out.OK())
		assert.Equal(t, Completed, op.State())
	})

	t.Run("withdrawing everything completes with nothing loaded", func(t *testing.T) {
		committer := &fakeCommitter{}
		o := newTestOrchestrator(t, committer)
		op, err := o.CreateNewOperation(Transaction, "tx", 2)
		require.NoError(t, err)
		require.NoError(t, op.Withdraw(2))

		assert.Equal(t, Completed, op.State())
		assert.Zero(t, committer.calls())
		assert.Equal(t, Summary{Errors: []string{}}, Summarize(op))
	})

	t.Run("out of range", func(t *testing.T) {
		op, err := o.CreateNewOperation(Batch, "batch", 2)
		require.NoError(t, err)
		assert.ErrorIs(t, op.Withdraw(0), ErrInvalidArgument)
		assert.ErrorIs(t, op.Withdraw(3), ErrInvalidArgument)
	})

	t.Run("not allowed after dispatch", func(t *testing.T) {
		op, err := o.CreateNewOperation(Batch, "batch", 2)
		require.NoError(t, err)
		go func() { _, _ = op.Submit(context.Background(), 0, written("a")) }()
		require.Eventually(t, func() bool { return op.Arrived() == 1 }, time.Second, time.Millisecond)

		assert.ErrorIs(t, op.Withdraw(1), ErrAlreadyDispatched)
		op.Cancel()
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	o := newTestOrchestrator(t, &fakeCommitter{}, WithMetrics(m))

	op, err := o.CreateNewOperation(Transaction, "tx", 2)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inFlight))

	submitAll(t, op, []Prepared{stage("a"), stage("b")})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.finished.WithLabelValues("transaction", "Completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.arrivals.WithLabelValues("transaction")))
}

func TestParseOperationType(t *testing.T) {
	typ, err := ParseOperationType("transaction")
	require.NoError(t, err)
	assert.Equal(t, Transaction, typ)

	_, err = ParseOperationType("history")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
