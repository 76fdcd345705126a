package simclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sim-editor-go/internal/types"
)

var (
	ErrConnection = errors.New("simclient: backend unreachable")
	ErrNotFound   = errors.New("simclient: not found")
	ErrSpawn      = errors.New("simclient: spawn rejected")
)

// SpawnError reports a spawn the backend refused or that never reached it.
// Status is zero when the request failed before an HTTP response.
type SpawnError struct {
	Blueprint string
	Transform types.Transform
	Status    int
	Reason    string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s at %s rejected: %s", e.Blueprint, e.Transform.Location, e.Reason)
}

func (e *SpawnError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSpawn, e.Err}
	}
	return []error{ErrSpawn}
}

// APIError is an unexpected status from the control API.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Message)
}

// errorMessage pulls a human readable reason out of an error body.
func errorMessage(body []byte) string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err == nil {
		for _, key := range []string{"error", "message", "reason"} {
			if msg, ok := decoded[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}
