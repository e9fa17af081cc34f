package ingestion

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// decodePage extracts the records of one page body.
//
// Without a data path an array payload yields its items and an object
// payload is a single record. With a data path the payload must be an object
// and the value at the dot separated path must be an array. An empty payload
// ([], {}, null, or an empty array at the path) yields no items, which ends
// pagination.
func decodePage(body []byte, dataPath string) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		if err == io.EOF {
			return nil, errors.New("empty response body")
		}
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON payload")
	}

	if isEmptyPayload(payload) {
		return nil, nil
	}

	if dataPath != "" {
		v, ok := navigatePath(payload, dataPath)
		if !ok {
			return nil, errors.Newf("data_path %q not found in payload", dataPath)
		}
		if v == nil {
			return nil, nil
		}
		arr, ok := v.([]any)
		if !ok {
			return nil, errors.Newf("data_path %q is a %s, not an array", dataPath, jsonKind(v))
		}
		return toObjects(arr)
	}

	switch v := payload.(type) {
	case []any:
		return toObjects(v)
	case map[string]any:
		// Single object → single record.
		return []map[string]any{v}, nil
	default:
		return nil, errors.Newf("expected a JSON array or object, got %s", jsonKind(v))
	}
}

func isEmptyPayload(v any) bool {
	switch p := v.(type) {
	case nil:
		return true
	case []any:
		return len(p) == 0
	case map[string]any:
		return len(p) == 0
	}
	return false
}

// navigatePath walks a dot separated path through nested objects.
func navigatePath(obj any, path string) (any, bool) {
	current := obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

func toObjects(items []any) ([]map[string]any, error) {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Newf("item %d is a %s, not an object", i, jsonKind(item))
		}
		out[i] = m
	}
	return out, nil
}
