// Package memstore is an in-process remote.Store for tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/internal/remote"
)

// Store keeps documents in memory. Offline can be toggled to simulate network loss.
type Store struct {
	mu       sync.Mutex
	docs     map[string]remote.Document
	byClient map[string]string
	seq      int64
	offline  bool
	now      func() time.Time

	calls map[string]int
}

func New() *Store {
	return &Store{
		docs:     map[string]remote.Document{},
		byClient: map[string]string{},
		now:      time.Now,
		calls:    map[string]int{},
	}
}

// SetOffline makes every call fail with remote.ErrUnavailable while true.
func (s *Store) SetOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

// Calls reports how many times op ("upsert", "delete", "get", "changes", "ping") was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(op string) error {
	s.calls[op]++
	if s.offline {
		return fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, req remote.UpsertRequest) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert"); err != nil {
		return remote.Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	updatedAt := req.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	updatedAt = remote.Timestamp(updatedAt)

	if req.ID == "" {
		if req.ClientKey != "" {
			if id, ok := s.byClient[req.ClientKey]; ok {
				return s.docs[id], nil
			}
		}
		s.seq++
		doc := remote.Document{
			ID:        uuid.NewString(),
			ClientKey: req.ClientKey,
			Revision:  1,
			Seq:       s.seq,
			UpdatedAt: updatedAt,
			Body:      append([]byte(nil), req.Body...),
		}
		s.docs[doc.ID] = doc
		if req.ClientKey != "" {
			s.byClient[req.ClientKey] = doc.ID
		}
		doc.Created = true
		return doc, nil
	}

	doc, ok := s.docs[req.ID]
	if !ok {
		return remote.Document{}, remote.ErrNotFound
	}
	if doc.Deleted || doc.Revision != req.BaseRevision {
		return remote.Document{}, fmt.Errorf("%w: have %d, base %d", remote.ErrStaleRevision, doc.Revision, req.BaseRevision)
	}
	s.seq++
	doc.Revision++
	doc.Seq = s.seq
	doc.UpdatedAt = updatedAt
	doc.Body = append([]byte(nil), req.Body...)
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *Store) Delete(_ context.Context, id string) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete"); err != nil {
		return remote.Document{}, err
	}
	doc, ok := s.docs[id]
	if !ok {
		return remote.Document{}, remote.ErrNotFound
	}
	if doc.Deleted {
		return doc, nil
	}
	s.seq++
	doc.Deleted = true
	doc.Revision++
	doc.Seq = s.seq
	doc.UpdatedAt = remote.Timestamp(s.now())
	doc.Body = nil
	s.docs[id] = doc
	return doc, nil
}

func (s *Store) Get(_ context.Context, id string) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get"); err != nil {
		return remote.Document{}, err
	}
	doc, ok := s.docs[id]
	if !ok {
		return remote.Document{}, remote.ErrNotFound
	}
	return doc, nil
}

func (s *Store) Changes(_ context.Context, since int64, limit int) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("changes"); err != nil {
		return nil, err
	}
	var out []remote.Document
	for _, d := range s.docs {
		if d.Seq > since {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("ping")
}

// Put stores doc as written by another client, assigning the next sequence.
// Revision 0 means "next revision".
func (s *Store) Put(doc remote.Document) remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	prev, ok := s.docs[doc.ID]
	if doc.Revision == 0 {
		doc.Revision = prev.Revision + 1
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now().UTC()
	}
	if ok && doc.ClientKey == "" {
		doc.ClientKey = prev.ClientKey
	}
	s.seq++
	doc.Seq = s.seq
	doc.Created = false
	s.docs[doc.ID] = doc
	if doc.ClientKey != "" {
		s.byClient[doc.ClientKey] = doc.ID
	}
	return doc
}
