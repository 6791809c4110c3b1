package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	mu   sync.Mutex
	refs []storage.Reference
}

func (n *recordingNotifier) ResourcesCommitted(_ context.Context, refs []storage.Reference) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs = append(n.refs, refs...)
	return nil
}

type countingStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	commits int
}

func (s *countingStore) Commit(ctx context.Context, writes []storage.Write) ([]storage.WriteResult, error) {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return s.MemoryStore.Commit(ctx, writes)
}

func newTestProcessor(t *testing.T, opts ...ProcessorOption) (*Processor, *countingStore) {
	t.Helper()
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	logger := zaptest.NewLogger(t)
	o := orchestration.New(store, orchestration.WithLogger(logger))
	return NewProcessor(o, store, append([]ProcessorOption{WithLogger(logger)}, opts...)...), store
}

func createEntry(typ string) Entry {
	return Entry{
		Resource: json.RawMessage(`{"resourceType":"` + typ + `"}`),
		Request:  &Request{Method: "POST", URL: typ},
	}
}

func updateEntry(typ, id, ifMatch string) Entry {
	return Entry{
		Resource: json.RawMessage(`{"resourceType":"` + typ + `","id":"` + id + `"}`),
		Request:  &Request{Method: "PUT", URL: typ + "/" + id, IfMatch: ifMatch},
	}
}

func TestProcessor_Batch(t *testing.T) {
	ctx := context.Background()

	t.Run("failed entries do not affect the others", func(t *testing.T) {
		notifier := &recordingNotifier{}
		p, store := newTestProcessor(t, WithNotifier(notifier))

		b := &Bundle{ResourceType: "Bundle", Type: TypeBatch, Entry: []Entry{
			createEntry("Patient"),
			createEntry("Patient"),
			{Resource: json.RawMessage(`{"resourceType":"Observation"}`), Request: &Request{Method: "POST", URL: "Patient"}},
			updateEntry("Patient", "p1", ""),
			createEntry("Observation"),
		}}

		resp, err := p.Process(ctx, b)
		require.NoError(t, err)

		assert.Equal(t, TypeBatchResponse, resp.Type)
		assert.Equal(t, orchestration.Completed, resp.State)
		assert.Equal(t, 4, resp.LoadedCount)
		assert.Equal(t, 1, resp.FailedCount)
		assert.Len(t, resp.Errors, 1)
		assert.True(t, resp.Succeeded())

		require.Len(t, resp.Entry, 5)
		assert.Equal(t, "201 Created", resp.Entry[0].Response.Status)
		assert.Equal(t, "400 Bad Request", resp.Entry[2].Response.Status)
		assert.Equal(t, "invalid", resp.Entry[2].Response.Outcome.Issue[0].Code)
		assert.Contains(t, resp.Entry[3].Response.Location, "Patient/p1/_history/1")

		assert.Zero(t, store.commits, "batch entries write independently")
		assert.Equal(t, 4, store.Len())
		assert.Len(t, notifier.refs, 4)
		assert.Zero(t, p.orchestrator.Len(), "operation is removed after processing")
	})

	t.Run("version conflict is reported on its entry", func(t *testing.T) {
		p, store := newTestProcessor(t)
		_, err := store.Put(ctx, storage.Write{
			Key:     storage.Key{Type: "Patient", ID: "p1"},
			Method:  storage.MethodUpdate,
			Payload: json.RawMessage(`{"resourceType":"Patient"}`),
		})
		require.NoError(t, err)

		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", Type: TypeBatch, Entry: []Entry{
			updateEntry("Patient", "p1", `W/"7"`),
			updateEntry("Patient", "p1", `W/"1"`),
		}})
		require.NoError(t, err)

		assert.Equal(t, "412 Precondition Failed", resp.Entry[0].Response.Status)
		assert.Equal(t, "200 OK", resp.Entry[1].Response.Status)
		assert.Equal(t, `W/"2"`, resp.Entry[1].Response.ETag)
		assert.Equal(t, 1, resp.LoadedCount)
		assert.Equal(t, 1, resp.FailedCount)
	})
}

func TestProcessor_Transaction(t *testing.T) {
	ctx := context.Background()

	t.Run("all entries commit together", func(t *testing.T) {
		notifier := &recordingNotifier{}
		p, store := newTestProcessor(t, WithNotifier(notifier))

		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", ID: "tx-1", Type: TypeTransaction, Entry: []Entry{
			createEntry("Patient"),
			updateEntry("Patient", "p2", ""),
			createEntry("Encounter"),
		}})
		require.NoError(t, err)

		assert.Equal(t, TypeTransactionResponse, resp.Type)
		assert.Equal(t, orchestration.Completed, resp.State)
		assert.Equal(t, 3, resp.LoadedCount)
		assert.Zero(t, resp.FailedCount)
		assert.Empty(t, resp.Errors)
		assert.True(t, resp.Succeeded())
		assert.Equal(t, 1, store.commits)
		assert.Equal(t, 3, store.Len())
		assert.Len(t, notifier.refs, 3)
		for _, e := range resp.Entry {
			assert.Equal(t, "201 Created", e.Response.Status)
		}
	})

	t.Run("invalid entry aborts the whole transaction", func(t *testing.T) {
		notifier := &recordingNotifier{}
		p, store := newTestProcessor(t, WithNotifier(notifier))

		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", Type: TypeTransaction, Entry: []Entry{
			createEntry("Patient"),
			{Resource: json.RawMessage(`{"resourceType":"Patient"}`), Request: &Request{Method: "PATCH", URL: "Patient/1"}},
			createEntry("Patient"),
		}})
		require.NoError(t, err)

		assert.Equal(t, orchestration.Aborted, resp.State)
		assert.ErrorIs(t, resp.Err, orchestration.ErrFatalEntry)
		assert.False(t, resp.Succeeded())
		assert.Zero(t, resp.LoadedCount)
		assert.Equal(t, 3, resp.FailedCount)
		assert.Len(t, resp.Errors, 3)
		assert.Zero(t, store.commits)
		assert.Zero(t, store.Len())
		assert.Empty(t, notifier.refs)
		for _, e := range resp.Entry {
			assert.Equal(t, "400 Bad Request", e.Response.Status)
		}
	})

	t.Run("store failure fails the transaction", func(t *testing.T) {
		boom := errors.New("disk full")
		store := &failingStore{MemoryStore: storage.NewMemoryStore(), err: boom}
		o := orchestration.New(store, orchestration.WithLogger(zaptest.NewLogger(t)))
		p := NewProcessor(o, store)

		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", Type: TypeTransaction, Entry: []Entry{
			createEntry("Patient"),
			createEntry("Patient"),
		}})
		require.NoError(t, err)
		assert.Equal(t, orchestration.Failed, resp.State)
		assert.Equal(t, 2, resp.FailedCount)
		assert.Equal(t, "500 Internal Server Error", resp.Entry[0].Response.Status)
	})

	t.Run("cancelled request cancels the operation", func(t *testing.T) {
		p, store := newTestProcessor(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		resp, err := p.Process(cctx, &Bundle{ResourceType: "Bundle", Type: TypeTransaction, Entry: []Entry{
			createEntry("Patient"),
			createEntry("Patient"),
		}})
		require.NoError(t, err)
		assert.Equal(t, orchestration.Canceled, resp.State)
		assert.Equal(t, 2, resp.FailedCount)
		assert.Zero(t, store.commits)
		assert.Equal(t, "408 Request Timeout", resp.Entry[0].Response.Status)
	})
}

type failingStore struct {
	*storage.MemoryStore
	err error
}

func (s *failingStore) Commit(context.Context, []storage.Write) ([]storage.WriteResult, error) {
	return nil, s.err
}

func TestProcessor_Reads(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	ref, err := store.Put(ctx, storage.Write{
		Key:     storage.Key{Type: "Patient", ID: "p1"},
		Method:  storage.MethodUpdate,
		Payload: json.RawMessage(`{"resourceType":"Patient"}`),
	})
	require.NoError(t, err)

	t.Run("reads are answered without joining the barrier", func(t *testing.T) {
		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", Type: TypeTransaction, Entry: []Entry{
			{Request: &Request{Method: "GET", URL: "Patient/p1"}},
			createEntry("Observation"),
			{Request: &Request{Method: "GET", URL: "Patient/missing"}},
		}})
		require.NoError(t, err)

		assert.Equal(t, orchestration.Completed, resp.State)
		assert.Equal(t, "200 OK", resp.Entry[0].Response.Status)
		assert.Equal(t, ref.ETag(), resp.Entry[0].Response.ETag)
		assert.NotEmpty(t, resp.Entry[0].Resource)
		assert.Equal(t, "201 Created", resp.Entry[1].Response.Status)
		assert.Equal(t, "404 Not Found", resp.Entry[2].Response.Status)
		assert.Equal(t, 1, resp.LoadedCount)
		assert.Zero(t, resp.FailedCount)
	})

	t.Run("bundle of only reads completes with nothing loaded", func(t *testing.T) {
		resp, err := p.Process(ctx, &Bundle{ResourceType: "Bundle", Type: TypeBatch, Entry: []Entry{
			{Request: &Request{Method: "GET", URL: "Patient/p1"}},
		}})
		require.NoError(t, err)
		assert.Equal(t, orchestration.Completed, resp.State)
		assert.Zero(t, resp.LoadedCount)
		assert.Zero(t, resp.FailedCount)
	})
}

func TestProcessor_EmptyBundle(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp, err := p.Process(context.Background(), &Bundle{ResourceType: "Bundle", Type: TypeBatch})
	require.NoError(t, err)
	assert.Empty(t, resp.Entry)
	assert.Equal(t, orchestration.Summary{Errors: []string{}}, resp.Summary)
}

func TestProcessor_Deadline(t *testing.T) {
	store := &slowStore{MemoryStore: storage.NewMemoryStore(), delay: 5 * time.Second}
	o := orchestration.New(store, orchestration.WithLogger(zaptest.NewLogger(t)))
	p := NewProcessor(o, store, WithOperationTimeout(20*time.Millisecond))

	resp, err := p.Process(context.Background(), &Bundle{ResourceType: "Bundle", Type: TypeBatch, Entry: []Entry{
		createEntry("Patient"),
	}})
	require.NoError(t, err)
	assert.Equal(t, orchestration.Canceled, resp.State)
	assert.ErrorIs(t, resp.Err, orchestration.ErrDeadlineExceeded)
	assert.Equal(t, 1, resp.FailedCount)
}

func TestProcessor_WriteOutlivesDeadline(t *testing.T) {
	store := &stubbornStore{MemoryStore: storage.NewMemoryStore(), delay: 60 * time.Millisecond}
	o := orchestration.New(store, orchestration.WithLogger(zaptest.NewLogger(t)))
	p := NewProcessor(o, store, WithOperationTimeout(20*time.Millisecond))

	resp, err := p.Process(context.Background(), &Bundle{ResourceType: "Bundle", Type: TypeBatch, Entry: []Entry{
		createEntry("Patient"),
	}})
	require.NoError(t, err)
	assert.Equal(t, orchestration.Canceled, resp.State)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, resp.LoadedCount)
	assert.Zero(t, resp.FailedCount)
	assert.Equal(t, "201 Created", resp.Entry[0].Response.Status)
}

// stubbornStore finishes every write regardless of cancellation.
type stubbornStore struct {
	*storage.MemoryStore
	delay time.Duration
}

func (s *stubbornStore) Put(_ context.Context, w storage.Write) (storage.Reference, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Put(context.Background(), w)
}

type slowStore struct {
	*storage.MemoryStore
	delay time.Duration
}

func (s *slowStore) Put(ctx context.Context, w storage.Write) (storage.Reference, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return storage.Reference{}, ctx.Err()
	}
	return s.MemoryStore.Put(ctx, w)
}

func TestProcessRaw(t *testing.T) {
	p, _ := newTestProcessor(t)

	t.Run("rejects a malformed envelope", func(t *testing.T) {
		_, err := p.ProcessRaw(context.Background(), []byte(`{"resourceType":"Bundle","type":"history"}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("processes a valid bundle", func(t *testing.T) {
		raw := []byte(`{"resourceType":"Bundle","type":"batch","entry":[
			{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient"}}
		]}`)
		resp, err := p.ProcessRaw(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, 1, resp.LoadedCount)

		out, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.Contains(t, string(out), `"loadedCount":1`)
		assert.Contains(t, string(out), `"type":"batch-response"`)
	})
}
