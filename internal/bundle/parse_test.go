package bundle

import (
	"encoding/json"
	"testing"

	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "transaction", raw: `{"resourceType":"Bundle","type":"transaction","entry":[]}`},
		{name: "batch without entries", raw: `{"resourceType":"Bundle","type":"batch"}`},
		{name: "not a bundle", raw: `{"resourceType":"Patient","type":"batch"}`, wantErr: true},
		{name: "unsupported type", raw: `{"resourceType":"Bundle","type":"searchset"}`, wantErr: true},
		{name: "missing type", raw: `{"resourceType":"Bundle"}`, wantErr: true},
		{name: "entry is not an object", raw: `{"resourceType":"Bundle","type":"batch","entry":[1]}`, wantErr: true},
		{name: "not json", raw: `{"resourceType":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBundle)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Bundle", b.ResourceType)
		})
	}
}

func TestPrepareWrite(t *testing.T) {
	resource := func(s string) json.RawMessage { return json.RawMessage(s) }

	t.Run("create", func(t *testing.T) {
		w, err := prepareWrite(Entry{
			Resource: resource(`{"resourceType":"Patient"}`),
			Request:  &Request{Method: "post", URL: "Patient"},
		})
		require.NoError(t, err)
		assert.Equal(t, storage.MethodCreate, w.Method)
		assert.Equal(t, storage.Key{Type: "Patient"}, w.Key)
	})

	t.Run("update with etag", func(t *testing.T) {
		w, err := prepareWrite(Entry{
			Resource: resource(`{"resourceType":"Patient","id":"p1"}`),
			Request:  &Request{Method: "PUT", URL: "/Patient/p1", IfMatch: `W/"3"`},
		})
		require.NoError(t, err)
		assert.Equal(t, storage.Key{Type: "Patient", ID: "p1"}, w.Key)
		assert.Equal(t, `W/"3"`, w.IfMatch)
	})

	invalid := []struct {
		name  string
		entry Entry
	}{
		{"no request", Entry{Resource: resource(`{"resourceType":"Patient"}`)}},
		{"delete", Entry{Resource: resource(`{"resourceType":"Patient"}`), Request: &Request{Method: "DELETE", URL: "Patient/1"}}},
		{"no resource", Entry{Request: &Request{Method: "POST", URL: "Patient"}}},
		{"no resource type", Entry{Resource: resource(`{"id":"1"}`), Request: &Request{Method: "POST", URL: "Patient"}}},
		{"type mismatch", Entry{Resource: resource(`{"resourceType":"Observation"}`), Request: &Request{Method: "POST", URL: "Patient"}}},
		{"create with id", Entry{Resource: resource(`{"resourceType":"Patient"}`), Request: &Request{Method: "POST", URL: "Patient/1"}}},
		{"update without id", Entry{Resource: resource(`{"resourceType":"Patient"}`), Request: &Request{Method: "PUT", URL: "Patient"}}},
		{"id mismatch", Entry{Resource: resource(`{"resourceType":"Patient","id":"a"}`), Request: &Request{Method: "PUT", URL: "Patient/b"}}},
		{"bad etag", Entry{Resource: resource(`{"resourceType":"Patient"}`), Request: &Request{Method: "PUT", URL: "Patient/b", IfMatch: "abc"}}},
		{"deep url", Entry{Resource: resource(`{"resourceType":"Patient"}`), Request: &Request{Method: "PUT", URL: "Patient/b/_history/1"}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := prepareWrite(tt.entry)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, 400, Classify(ErrInvalidBundle))
	assert.Equal(t, 412, Classify(&storage.ConflictError{Expected: "1", Actual: "2"}))
	assert.Equal(t, 409, Classify(storage.ErrAlreadyExists))
	assert.Equal(t, 404, Classify(storage.ErrNotFound))
}
