// Package asset defines the search/index collaborator that receives the
// records workers extract, plus an in-process implementation.
package asset

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidRecord is returned for records that are not JSON objects with
// an "id" or "path" field.
var ErrInvalidRecord = errors.New("invalid asset record")

// Result counts the outcome of one Index call.
type Result struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Errors  int64 `json:"errors"`
}

// Indexer stores asset records under a named target.
// Version: 1.0
type Indexer interface {
	// Index upserts records into target. Records that cannot be stored are
	// counted in Result.Errors rather than failing the call; an error is
	// returned only when the backend itself is unavailable.
	Index(ctx context.Context, jobID uuid.UUID, target string, records []json.RawMessage) (Result, error)
}

// RecordKey returns the stable identity of a record: its "id" field, or
// failing that its "path" field.
func RecordKey(record json.RawMessage) (string, error) {
	var fields struct {
		ID   any    `json:"id"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	switch v := fields.ID.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%v", v), nil
	}
	if fields.Path != "" {
		return fields.Path, nil
	}
	return "", fmt.Errorf("%w: missing id and path", ErrInvalidRecord)
}

// ObjectName maps a target and record key to a flat storage name.
func ObjectName(target, key string) string {
	sum := sha1.Sum([]byte(key))
	return target + "/" + hex.EncodeToString(sum[:]) + ".json"
}
