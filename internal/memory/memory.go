// Package memory is the client side of the long-term memory service. The
// orchestrator focuses the store on the active topic, recalls context before
// reasoning, and commits durable facts and agent results after sessions
// finish. Memory is always optional: a deployment without it degrades to
// empty recalls, never to errors on the session path.
package memory

import (
	"context"
	"errors"
	"time"
)

// DefaultRecallK is how many entries a recall returns unless asked otherwise.
const DefaultRecallK = 6

// ErrUnavailable is returned by write operations when no store is configured.
var ErrUnavailable = errors.New("memory: no store configured")

// Entry is one recalled memory.
type Entry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Store is the contract the orchestrator programs against.
type Store interface {
	// Focus biases subsequent recalls toward topic.
	Focus(ctx context.Context, topic string) error
	// Recall returns up to k entries relevant to query, best first.
	// k <= 0 means DefaultRecallK.
	Recall(ctx context.Context, query string, k int) ([]Entry, error)
	// Commit stores content under key, overwriting any previous value.
	Commit(ctx context.Context, key, content string) error
}

// Disabled is the Store used when memory is not configured. Reads succeed
// empty so callers need no special casing; writes report ErrUnavailable so
// lost commits are at least visible in logs.
type Disabled struct{}

func (Disabled) Focus(context.Context, string) error { return nil }

func (Disabled) Recall(context.Context, string, int) ([]Entry, error) { return nil, nil }

func (Disabled) Commit(context.Context, string, string) error { return ErrUnavailable }
