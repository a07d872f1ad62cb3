// Package docstore defines the document store client used by the sync layer:
// slash-separated document paths, compound queries, atomic multi-document
// commits and live-query subscriptions that push full result snapshots.
//
// Two implementations live in sub-packages: gormstore (SQL via gorm, with an
// in-process fan-out hub) and fsstore (Cloud Firestore).
package docstore

import (
	"context"
	"time"
)

// Document is one stored document. Data holds normalized values: string,
// bool, int64, float64, time.Time, []any, map[string]any or nil.
type Document struct {
	ID         string
	Path       string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Snapshot is the complete result set of a live query at ReadTime.
type Snapshot struct {
	Docs     []Document
	ReadTime time.Time
}

// Store is the document store client. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)
	// Query runs q once.
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe opens a live query. The first snapshot is the current result
	// set; every later change to the collection pushes a new one. The
	// subscription ends when Stop is called or ctx is done.
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
	// Add creates a document with a generated id in collection.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Commit applies writes atomically.
	Commit(ctx context.Context, writes ...Write) error
	Close() error
}

// Set replaces the document at path.
func Set(ctx context.Context, s Store, path string, data map[string]any) error {
	return s.Commit(ctx, Write{Kind: WriteSet, Path: path, Data: data})
}

// Merge updates the given top-level fields, creating the document if missing.
func Merge(ctx context.Context, s Store, path string, data map[string]any) error {
	return s.Commit(ctx, Write{Kind: WriteMerge, Path: path, Data: data})
}

// Update merges the given top-level fields into an existing document and
// fails with ErrNotFound if it is missing.
func Update(ctx context.Context, s Store, path string, data map[string]any) error {
	return s.Commit(ctx, Write{Kind: WriteUpdate, Path: path, Data: data})
}

// Create writes a new document and fails with ErrAlreadyExists if present.
func Create(ctx context.Context, s Store, path string, data map[string]any) error {
	return s.Commit(ctx, Write{Kind: WriteCreate, Path: path, Data: data})
}

// Delete removes the document at path. Deleting a missing document is not an error.
func Delete(ctx context.Context, s Store, path string) error {
	return s.Commit(ctx, Write{Kind: WriteDelete, Path: path})
}
