package keywords

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dvloznov/mispesos/internal/domain"
)

// MemoryStore keeps a versioned copy-on-write table. Update clones the
// current state, applies fn and publishes with compare-and-swap, retrying
// when another writer got there first.
type MemoryStore struct {
	state atomic.Pointer[memState]
}

type memState struct {
	version    uint64
	categories map[string]domain.Category
	keywords   map[domain.KeywordKey]float64
	applied    map[string]struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{
		categories: map[string]domain.Category{},
		keywords:   map[domain.KeywordKey]float64{},
		applied:    map[string]struct{}{},
	})
	return s
}

func (st *memState) clone() *memState {
	next := &memState{
		version:    st.version + 1,
		categories: make(map[string]domain.Category, len(st.categories)),
		keywords:   make(map[domain.KeywordKey]float64, len(st.keywords)),
		applied:    make(map[string]struct{}, len(st.applied)),
	}
	for k, v := range st.categories {
		next.categories[k] = v
	}
	for k, v := range st.keywords {
		next.keywords[k] = v
	}
	for k := range st.applied {
		next.applied[k] = struct{}{}
	}
	return next
}

// Snapshot returns the current table.
func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	st := s.state.Load()
	cats := make([]domain.Category, 0, len(st.categories))
	for _, c := range st.categories {
		cats = append(cats, c)
	}
	kws := make([]domain.CategoryKeyword, 0, len(st.keywords))
	for k, w := range st.keywords {
		kws = append(kws, domain.CategoryKeyword{Keyword: k.Keyword, Category: k.Category, Weight: w})
	}
	return newSnapshot(st.version, cats, kws), nil
}

// Categories returns all categories sorted by name.
func (s *MemoryStore) Categories(ctx context.Context) ([]domain.Category, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Categories, nil
}

// Update runs fn against a private copy and publishes it atomically.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("MemoryStore.Update: %w", err)
		}
		cur := s.state.Load()
		next := cur.clone()
		if err := fn(&memTx{st: next}); err != nil {
			return err
		}
		if s.state.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Seed inserts the vocabulary without overwriting learned weights.
func (s *MemoryStore) Seed(ctx context.Context, v Vocabulary) error {
	return seed(ctx, s, v)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	st *memState
}

func (t *memTx) Category(name string) (domain.Category, bool, error) {
	c, ok := t.st.categories[name]
	return c, ok, nil
}

func (t *memTx) PutCategory(c domain.Category) error {
	t.st.categories[c.Name] = c
	return nil
}

func (t *memTx) Keyword(key domain.KeywordKey) (domain.CategoryKeyword, bool, error) {
	w, ok := t.st.keywords[key]
	if !ok {
		return domain.CategoryKeyword{}, false, nil
	}
	return domain.CategoryKeyword{Keyword: key.Keyword, Category: key.Category, Weight: w}, true, nil
}

func (t *memTx) PutKeyword(k domain.CategoryKeyword) error {
	if _, ok := t.st.categories[k.Category]; !ok {
		return fmt.Errorf("PutKeyword %q: %w: %s", k.Keyword, ErrUnknownCategory, k.Category)
	}
	t.st.keywords[k.Key()] = k.Weight
	return nil
}

func (t *memTx) Applied(eventID string) (bool, error) {
	_, ok := t.st.applied[eventID]
	return ok, nil
}

func (t *memTx) MarkApplied(eventID string) error {
	t.st.applied[eventID] = struct{}{}
	return nil
}
