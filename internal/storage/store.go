// Package storage is the resource persistence layer behind bundle processing.
//
// The orchestration engine only ever sees the Committer capability: a single
// call that applies a set of prepared writes and reports one result per write.
// Batch participants use Writer for their own independent writes, and the
// subscription pipeline reads committed resources back through Reader.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Method is the write verb of a bundle entry.
type Method string

const (
	MethodCreate Method = "POST"
	MethodUpdate Method = "PUT"
)

// Key identifies a resource by type and logical id.
type Key struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Type
	}
	return k.Type + "/" + k.ID
}

// Write is a prepared create or update. An empty Key.ID on a create asks the
// store to assign one. IfMatch, when set, is the version the caller expects
// the resource to currently have.
type Write struct {
	Key     Key             `json:"key"`
	Method  Method          `json:"method"`
	IfMatch string          `json:"ifMatch,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks that a write is well formed before it reaches a store.
func (w Write) Validate() error {
	if w.Key.Type == "" {
		return fmt.Errorf("%w: resource type is required", ErrInvalidWrite)
	}
	switch w.Method {
	case MethodCreate:
	case MethodUpdate:
		if w.Key.ID == "" {
			return fmt.Errorf("%w: update of %s requires an id", ErrInvalidWrite, w.Key.Type)
		}
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidWrite, w.Method)
	}
	if len(w.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidWrite, w.Key)
	}
	return nil
}

// Reference points at one stored version of a resource.
type Reference struct {
	Type        string    `json:"resourceType"`
	ID          string    `json:"id"`
	VersionID   string    `json:"versionId"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Key returns the logical key of the referenced resource.
func (r Reference) Key() Key { return Key{Type: r.Type, ID: r.ID} }

// Location renders the versioned location of the resource.
func (r Reference) Location() string {
	return fmt.Sprintf("%s/%s/_history/%s", r.Type, r.ID, r.VersionID)
}

// ETag renders the weak entity tag for the referenced version.
func (r Reference) ETag() string {
	return fmt.Sprintf("W/\"%s\"", r.VersionID)
}

// Created reports whether the reference is the first version of a resource.
func (r Reference) Created() bool { return r.VersionID == "1" }

// Resource is a stored resource together with its reference.
type Resource struct {
	Reference
	Payload json.RawMessage `json:"payload"`
}

// WriteResult is the per-write outcome of a commit.
type WriteResult struct {
	Reference Reference
	Err       error
}

// Committer applies a set of prepared writes in one attempt. A returned error
// means the attempt as a whole failed; per-write failures (for example a
// version conflict) are reported in the matching WriteResult instead.
type Committer interface {
	Commit(ctx context.Context, writes []Write) ([]WriteResult, error)
}

// Writer persists a single write.
type Writer interface {
	Put(ctx context.Context, w Write) (Reference, error)
}

// Reader loads the current version of a resource.
type Reader interface {
	Get(ctx context.Context, key Key) (*Resource, error)
}

// Store is the full persistence capability used by the server.
type Store interface {
	Committer
	Writer
	Reader
}

var (
	ErrNotFound        = errors.New("storage: resource not found")
	ErrVersionConflict = errors.New("storage: version conflict")
	ErrAlreadyExists   = errors.New("storage: resource already exists")
	ErrInvalidWrite    = errors.New("storage: invalid write")
)

// ConflictError reports an If-Match precondition that did not hold.
type ConflictError struct {
	Key      Key
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("storage: %s expected version %s but resource does not exist", e.Key, e.Expected)
	}
	return fmt.Sprintf("storage: %s expected version %s, current is %s", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// IsPreconditionFailure reports whether err is a per-write failure that leaves
// the rest of a commit valid.
func IsPreconditionFailure(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidWrite)
}

// ParseETag normalises an entity tag such as W/"3", "3" or 3 into a bare
// version id.
func ParseETag(tag string) (string, error) {
	v := strings.TrimSpace(tag)
	if v == "" {
		return "", nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")
	if _, err := strconv.ParseUint(v, 10, 64); err != nil {
		return "", fmt.Errorf("%w: malformed etag %q", ErrInvalidWrite, tag)
	}
	return v, nil
}

// stamp writes the server-assigned id and meta into the payload.
func stamp(payload json.RawMessage, ref Reference) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidWrite, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrInvalidWrite)
	}

	meta := map[string]json.RawMessage{}
	if raw, ok := doc["meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: meta is not a JSON object: %v", ErrInvalidWrite, err)
		}
		if meta == nil {
			meta = map[string]json.RawMessage{}
		}
	}

	var err error
	if doc["resourceType"], err = json.Marshal(ref.Type); err != nil {
		return nil, err
	}
	if doc["id"], err = json.Marshal(ref.ID); err != nil {
		return nil, err
	}
	if meta["versionId"], err = json.Marshal(ref.VersionID); err != nil {
		return nil, err
	}
	if meta["lastUpdated"], err = json.Marshal(ref.LastUpdated.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if doc["meta"], err = json.Marshal(meta); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// nextVersion checks the write's preconditions against the current version
// (0 when the resource does not exist) and returns the version to store.
func nextVersion(w Write, current uint64, exists bool) (uint64, error) {
	if w.Method == MethodCreate && exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyExists, w.Key)
	}
	if w.IfMatch != "" {
		expected, err := ParseETag(w.IfMatch)
		if err != nil {
			return 0, err
		}
		actual := ""
		if exists {
			actual = strconv.FormatUint(current, 10)
		}
		if expected != actual {
			return 0, &ConflictError{Key: w.Key, Expected: expected, Actual: actual}
		}
	}
	return current + 1, nil
}
