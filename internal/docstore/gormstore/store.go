// Package gormstore implements docstore.Store on a relational database
// through gorm. Documents live in one table keyed by path; live queries are
// served by an in-process hub that re-evaluates subscribed queries after each
// commit touching their collection.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	hub    *hub
	now    func() time.Time
	logger zerolog.Logger
	closed atomic.Bool
}

type Option func(*Store)

// WithClock overrides the commit clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Migrate creates the document and clock tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&documentRow{}, &clockRow{}); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return db.FirstOrCreate(&clockRow{}, clockRow{ID: 1}).Error
}

// New migrates the schema and returns a ready store. The caller keeps
// ownership of db.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		now:    time.Now,
		logger: log.Logger.With().Str("component", "gormstore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.loadCollection, s.logger)
	return s, nil
}

var _ docstore.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	if s.closed.Load() {
		return docstore.Document{}, docstore.ErrClosed
	}
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return docstore.Document{}, err
	}
	var row documentRow
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return docstore.Document{}, fmt.Errorf("%s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return rowToDocument(row)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	if err := docstore.CheckCollection(q.Collection); err != nil {
		return nil, err
	}
	docs, err := s.loadCollection(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return docstore.Evaluate(q, docs), nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	if err := docstore.CheckCollection(q.Collection); err != nil {
		return nil, err
	}
	var w *watcher
	for w == nil {
		f, ok := s.hub.feed(q.Collection)
		if !ok {
			return nil, docstore.ErrClosed
		}
		next := &watcher{q: q}
		next.sub = docstore.NewSubscription(func() { f.remove(next) })
		// add fails only if f retired after the lookup; retry with a fresh feed
		if f.add(next) {
			w = next
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			w.sub.Stop()
		case <-w.sub.Done():
		}
	}()
	return w.sub, nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := docstore.CheckCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := docstore.Create(ctx, s, docstore.Path(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// Commit 在单个事务内应用全部写入，提交成功后通知受影响的集合。
func (s *Store) Commit(ctx context.Context, writes ...docstore.Write) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	if len(writes) == 0 {
		return nil
	}
	touched := make(map[string]struct{}, len(writes))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now, err := s.tick(tx)
		if err != nil {
			return err
		}
		for _, w := range writes {
			parent, changed, err := s.apply(tx, w, now)
			if err != nil {
				return fmt.Errorf("%s %s: %w", w.Kind, w.Path, err)
			}
			if changed {
				touched[parent] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for c := range touched {
		s.hub.changed(c)
	}
	return nil
}

func (s *Store) apply(tx *gorm.DB, w docstore.Write, now time.Time) (string, bool, error) {
	parent, id, err := docstore.SplitDoc(w.Path)
	if err != nil {
		return "", false, err
	}
	var row documentRow
	exists := true
	if err := tx.Where("path = ?", w.Path).Take(&row).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, err
		}
		exists = false
	}
	var base map[string]any
	if exists {
		if base, err = decodeBody(row.Body); err != nil {
			return "", false, err
		}
	}
	body, err := docstore.Apply(w.Kind, base, exists, w.Data, now)
	if err != nil {
		return "", false, err
	}
	if body == nil {
		if !exists {
			return parent, false, nil
		}
		return parent, true, tx.Where("path = ?", w.Path).Delete(&documentRow{}).Error
	}
	raw, err := encodeBody(body)
	if err != nil {
		return "", false, err
	}
	created := row.CreateNanos
	if !exists {
		created = now.UnixNano()
	}
	next := documentRow{
		Path:        w.Path,
		Parent:      parent,
		DocID:       id,
		Body:        raw,
		CreateNanos: created,
		UpdateNanos: now.UnixNano(),
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		UpdateAll: true,
	}).Create(&next).Error
	return parent, true, err
}

// tick 分配严格递增的提交时间，多个写入方之间也保持全序。
func (s *Store) tick(tx *gorm.DB) (time.Time, error) {
	var clk clockRow
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		// sqlite serialises writers itself and has no row locks
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&clk, 1).Error; err != nil {
		return time.Time{}, fmt.Errorf("read store clock: %w", err)
	}
	// microsecond resolution survives every driver's timestamp handling
	next := s.now().UTC().Truncate(time.Microsecond).UnixNano()
	if next <= clk.LastNanos {
		next = clk.LastNanos + int64(time.Microsecond)
	}
	clk.LastNanos = next
	if err := tx.Save(&clk).Error; err != nil {
		return time.Time{}, fmt.Errorf("advance store clock: %w", err)
	}
	return time.Unix(0, next).UTC(), nil
}

func (s *Store) loadCollection(ctx context.Context, collection string) ([]docstore.Document, error) {
	var rows []documentRow
	if err := s.db.WithContext(ctx).Where("parent = ?", collection).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	docs := make([]docstore.Document, 0, len(rows))
	for _, r := range rows {
		d, err := rowToDocument(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Watchers returns the number of open live queries.
func (s *Store) Watchers() int { return s.hub.watchers() }

// Close stops all live queries. The database handle is left open.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.close()
	return nil
}

func rowToDocument(r documentRow) (docstore.Document, error) {
	body, err := decodeBody(r.Body)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("%s: %w", r.Path, err)
	}
	return docstore.Document{
		ID:         r.DocID,
		Path:       r.Path,
		Data:       body,
		CreateTime: time.Unix(0, r.CreateNanos).UTC(),
		UpdateTime: time.Unix(0, r.UpdateNanos).UTC(),
	}, nil
}
