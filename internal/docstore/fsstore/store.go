// Package fsstore implements docstore.Store on Cloud Firestore.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Store struct {
	client *firestore.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*docstore.Subscription]struct{}
	closed bool
}

// Open 连接 Firestore；凭据按 Application Default Credentials 解析，
// 设置 FIRESTORE_EMULATOR_HOST 时连接模拟器。
func Open(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client. Close closes the client.
func New(client *firestore.Client) *Store {
	return &Store{
		client: client,
		logger: log.Logger.With().Str("component", "fsstore").Logger(),
		subs:   make(map[*docstore.Subscription]struct{}),
	}
}

var _ docstore.Store = (*Store)(nil)

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	if s.isClosed() {
		return docstore.Document{}, docstore.ErrClosed
	}
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return docstore.Document{}, err
	}
	snap, err := s.client.Doc(path).Get(ctx)
	if err != nil {
		return docstore.Document{}, translate(path, err)
	}
	return fromSnapshot(snap), nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	fq, err := s.build(q)
	if err != nil {
		return nil, err
	}
	snaps, err := fq.Documents(ctx).GetAll()
	if err != nil {
		return nil, translate(q.Collection, err)
	}
	out := make([]docstore.Document, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, fromSnapshot(snap))
	}
	return out, nil
}

// Subscribe 基于 Firestore 的 Snapshots 监听。监听流出现不可恢复错误时
// 只投递一次错误，订阅保持打开但不再推送，由调用方决定是否重建。
func (s *Store) Subscribe(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	fq, err := s.build(q)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	var sub *docstore.Subscription
	sub = docstore.NewSubscription(func() {
		cancel()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, docstore.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	it := fq.Snapshots(watchCtx)
	go s.watch(watchCtx, q, it, sub)
	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

func (s *Store) watch(ctx context.Context, q docstore.Query, it *firestore.QuerySnapshotIterator, sub *docstore.Subscription) {
	defer it.Stop()
	for {
		qs, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return
			}
			s.logger.Warn().Err(err).Str("query", q.String()).Msg("snapshot listener")
			sub.Fail(translate(q.Collection, err))
			return
		}
		snaps, err := qs.Documents.GetAll()
		if err != nil {
			sub.Fail(translate(q.Collection, err))
			continue
		}
		docs := make([]docstore.Document, 0, len(snaps))
		for _, snap := range snaps {
			docs = append(docs, fromSnapshot(snap))
		}
		if !sub.Deliver(docstore.Snapshot{Docs: docs, ReadTime: qs.ReadTime}) {
			return
		}
	}
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := docstore.CheckCollection(collection); err != nil {
		return "", err
	}
	id := s.client.Collection(collection).NewDoc().ID
	if err := docstore.Create(ctx, s, docstore.Path(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// Commit 在一个 Firestore 事务中提交全部写入。
func (s *Store) Commit(ctx context.Context, writes ...docstore.Write) error {
	if s.isClosed() {
		return docstore.ErrClosed
	}
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if _, _, err := docstore.SplitDoc(w.Path); err != nil {
			return err
		}
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, w := range writes {
			ref := s.client.Doc(w.Path)
			var err error
			switch w.Kind {
			case docstore.WriteCreate:
				err = tx.Create(ref, toFirestoreData(w.Data))
			case docstore.WriteSet:
				err = tx.Set(ref, toFirestoreData(w.Data))
			case docstore.WriteMerge:
				err = tx.Set(ref, toFirestoreData(w.Data), firestore.MergeAll)
			case docstore.WriteDelete:
				err = tx.Delete(ref)
			case docstore.WriteUpdate:
				err = tx.Update(ref, toFirestoreUpdates(w.Data))
			default:
				err = fmt.Errorf("docstore: unknown write kind %v", w.Kind)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", w.Kind, w.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return translate("commit", err)
	}
	return nil
}

// Close stops every open subscription and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*docstore.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return s.client.Close()
}

func (s *Store) build(q docstore.Query) (firestore.Query, error) {
	if err := docstore.CheckCollection(q.Collection); err != nil {
		return firestore.Query{}, err
	}
	coll := s.client.Collection(q.Collection)
	fq := coll.Query
	for _, f := range q.Filters {
		v := toFirestoreValue(f.Value)
		if f.Field == docstore.DocumentID {
			v = docRefs(coll, f.Value)
		}
		fq = fq.Where(f.Field, string(f.Op), v)
	}
	if q.Order != nil {
		dir := firestore.Asc
		if q.Order.Dir == docstore.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.Order.Field, dir)
	}
	if q.Max > 0 {
		fq = fq.Limit(q.Max)
	}
	return fq, nil
}

// docRefs 把按 id 过滤的值转换为文档引用，Firestore 只接受引用比较 __name__。
func docRefs(coll *firestore.CollectionRef, v any) any {
	switch x := v.(type) {
	case string:
		return coll.Doc(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = docRefs(coll, e)
		}
		return out
	default:
		return v
	}
}

func toFirestoreData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = toFirestoreValue(v)
	}
	return out
}

// toFirestoreUpdates 把顶层字段转换为 Update 列表，键排序保证提交内容稳定。
func toFirestoreUpdates(data map[string]any) []firestore.Update {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]firestore.Update, len(keys))
	for i, k := range keys {
		out[i] = firestore.Update{Path: k, Value: toFirestoreValue(data[k])}
	}
	return out
}

func toFirestoreValue(v any) any {
	switch x := docstore.Normalize(v).(type) {
	case docstore.ServerTimestampValue:
		return firestore.ServerTimestamp
	case docstore.ArrayUnionValue:
		return firestore.ArrayUnion(x.Elems...)
	case docstore.IncrementValue:
		return firestore.Increment(x.By)
	case map[string]any:
		return toFirestoreData(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toFirestoreValue(e)
		}
		return out
	default:
		return x
	}
}

func fromFirestoreValue(v any) any {
	switch x := v.(type) {
	case *firestore.DocumentRef:
		if x == nil {
			return nil
		}
		return relativePath(x.Path)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fromFirestoreValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromFirestoreValue(e)
		}
		return out
	default:
		return docstore.Normalize(x)
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) docstore.Document {
	data := make(map[string]any)
	for k, v := range snap.Data() {
		data[k] = fromFirestoreValue(v)
	}
	return docstore.Document{
		ID:         snap.Ref.ID,
		Path:       relativePath(snap.Ref.Path),
		Data:       data,
		CreateTime: snap.CreateTime.UTC(),
		UpdateTime: snap.UpdateTime.UTC(),
	}
}

// relativePath strips the "projects/p/databases/d/documents/" prefix.
func relativePath(full string) string {
	const marker = "/documents/"
	if i := strings.Index(full, marker); i >= 0 {
		return full[i+len(marker):]
	}
	return full
}

// translate 把 gRPC 状态码映射为 docstore 的哨兵错误。
func translate(what string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", what, docstore.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", what, docstore.ErrAlreadyExists)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}
