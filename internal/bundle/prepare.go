package bundle

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/FairForge/fhirbundle/internal/storage"
)

func invalidEntry(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
}

func isRead(e Entry) bool {
	return e.Request != nil && strings.EqualFold(e.Request.Method, "GET")
}

// prepareWrite turns a create or update entry into a storage write.
func prepareWrite(e Entry) (storage.Write, error) {
	if e.Request == nil {
		return storage.Write{}, invalidEntry("request is required")
	}

	method := storage.Method(strings.ToUpper(e.Request.Method))
	if method != storage.MethodCreate && method != storage.MethodUpdate {
		return storage.Write{}, invalidEntry("unsupported method %q", e.Request.Method)
	}
	if len(e.Resource) == 0 {
		return storage.Write{}, invalidEntry("%s %s has no resource", method, e.Request.URL)
	}

	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(e.Resource, &head); err != nil {
		return storage.Write{}, invalidEntry("resource is not a JSON object: %v", err)
	}
	if head.ResourceType == "" {
		return storage.Write{}, invalidEntry("resource has no resourceType")
	}

	typ, id, err := splitURL(e.Request.URL)
	if err != nil {
		return storage.Write{}, err
	}
	if typ != head.ResourceType {
		return storage.Write{}, invalidEntry("url %q does not match resource type %s", e.Request.URL, head.ResourceType)
	}

	key := storage.Key{Type: typ}
	switch method {
	case storage.MethodCreate:
		if id != "" {
			return storage.Write{}, invalidEntry("create url %q must not carry an id", e.Request.URL)
		}
	case storage.MethodUpdate:
		if id == "" {
			return storage.Write{}, invalidEntry("update url %q must be Type/id", e.Request.URL)
		}
		if head.ID != "" && head.ID != id {
			return storage.Write{}, invalidEntry("resource id %q does not match url %q", head.ID, e.Request.URL)
		}
		key.ID = id
	}

	if e.Request.IfMatch != "" {
		if _, err := storage.ParseETag(e.Request.IfMatch); err != nil {
			return storage.Write{}, invalidEntry("%v", err)
		}
	}

	return storage.Write{
		Key:     key,
		Method:  method,
		IfMatch: e.Request.IfMatch,
		Payload: e.Resource,
	}, nil
}

// readKey resolves the target of a GET entry.
func readKey(e Entry) (storage.Key, error) {
	typ, id, err := splitURL(e.Request.URL)
	if err != nil {
		return storage.Key{}, err
	}
	if id == "" {
		return storage.Key{}, invalidEntry("read url %q must be Type/id", e.Request.URL)
	}
	return storage.Key{Type: typ, ID: id}, nil
}

// splitURL accepts "Type" and "Type/id", relative or rooted at the server base.
func splitURL(raw string) (typ, id string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", invalidEntry("malformed url %q", raw)
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", "", invalidEntry("url %q names no resource type", raw)
	}
	parts := strings.Split(path, "/")

	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", invalidEntry("url %q is not Type or Type/id", raw)
	}
}
