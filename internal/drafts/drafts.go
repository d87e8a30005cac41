// Package drafts keeps parsed drafts until the user confirms them and holds
// the resulting transactions.
package drafts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

const (
	DefaultSize = 10000
	DefaultTTL  = 24 * time.Hour
)

var (
	ErrNotFound         = errors.New("draft not found")
	ErrAlreadyConfirmed = errors.New("draft already confirmed")
	ErrNoAmount         = errors.New("draft has no amount")
)

// InvalidFieldError reports a corrected field that could not be applied.
type InvalidFieldError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidFieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *InvalidFieldError) Unwrap() error { return e.Err }

// Store holds pending drafts in an expiring LRU and confirmed transactions
// in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	pending   *expirable.LRU[string, domain.TransactionDraft]
	confirmed map[string]confirmedEntry
}

type confirmedEntry struct {
	draft domain.TransactionDraft
	tx    domain.Transaction
}

// New creates a store keeping at most size pending drafts for ttl each.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		pending:   expirable.NewLRU[string, domain.TransactionDraft](size, nil, ttl),
		confirmed: make(map[string]confirmedEntry),
	}
}

// Save stores a copy of d as pending.
func (s *Store) Save(d *domain.TransactionDraft) error {
	if d.ID == "" {
		return fmt.Errorf("Save: draft has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.confirmed[d.ID]; ok {
		return fmt.Errorf("Save %s: %w", d.ID, ErrAlreadyConfirmed)
	}
	s.pending.Add(d.ID, d.Clone())
	return nil
}

// Get returns the draft, pending or confirmed, with any corrections applied.
func (s *Store) Get(id string) (domain.TransactionDraft, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, confirmed, ok := s.lookup(id)
	if !ok {
		return domain.TransactionDraft{}, false, fmt.Errorf("Get %s: %w", id, ErrNotFound)
	}
	return d.Clone(), confirmed, nil
}

// Confirm turns a pending draft into a Transaction.
func (s *Store) Confirm(id string, at time.Time) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.confirmed[id]; ok {
		return domain.Transaction{}, fmt.Errorf("Confirm %s: %w", id, ErrAlreadyConfirmed)
	}
	d, ok := s.pending.Get(id)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("Confirm %s: %w", id, ErrNotFound)
	}
	if !d.HasAmount() {
		return domain.Transaction{}, fmt.Errorf("Confirm %s: %w", id, ErrNoAmount)
	}

	tx := domain.Transaction{
		ID:            uuid.NewString(),
		DraftID:       d.ID,
		UserID:        d.UserID,
		Amount:        d.Amount,
		Description:   d.Description,
		Category:      d.Category,
		PaymentMethod: d.PaymentMethod,
		Date:          d.Date,
		Source:        d.Source,
		Confidence:    d.Confidence,
		OriginalText:  d.OriginalText,
		ConfirmedAt:   at,
	}
	s.confirmed[id] = confirmedEntry{draft: d, tx: tx}
	s.pending.Remove(id)
	return tx, nil
}

// Preview returns the draft as it stands and checks that fields would apply
// to it, without storing anything. Callers use it to build a correction
// event before committing the edit with Correct.
func (s *Store) Preview(id string, fields map[string]string) (domain.TransactionDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _, ok := s.lookup(id)
	if !ok {
		return domain.TransactionDraft{}, fmt.Errorf("Preview %s: %w", id, ErrNotFound)
	}
	d := current.Clone()
	if err := applyFields(&d, fields); err != nil {
		return domain.TransactionDraft{}, err
	}
	return current.Clone(), nil
}

// Correct applies user edits and returns the draft as it was before. On a
// confirmed draft the edits update the draft view returned by Get; the
// Transaction recorded at confirmation is immutable.
func (s *Store) Correct(id string, fields map[string]string) (domain.TransactionDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, confirmed, ok := s.lookup(id)
	if !ok {
		return domain.TransactionDraft{}, fmt.Errorf("Correct %s: %w", id, ErrNotFound)
	}
	d := current.Clone()
	if err := applyFields(&d, fields); err != nil {
		return domain.TransactionDraft{}, err
	}
	if confirmed {
		e := s.confirmed[id]
		e.draft = d
		s.confirmed[id] = e
	} else {
		s.pending.Add(id, d)
	}
	return current.Clone(), nil
}

// lookup returns the current view of a draft. The caller holds s.mu.
func (s *Store) lookup(id string) (d domain.TransactionDraft, confirmed, ok bool) {
	if e, found := s.confirmed[id]; found {
		return e.draft, true, true
	}
	d, ok = s.pending.Get(id)
	return d, false, ok
}

// Transactions lists confirmed transactions dated within [from, to] for a
// user, oldest first. Zero bounds are open; an empty user matches all.
func (s *Store) Transactions(userID string, from, to time.Time) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, e := range s.confirmed {
		tx := e.tx
		if userID != "" && tx.UserID != userID {
			continue
		}
		if !from.IsZero() && tx.Date.Before(from) {
			continue
		}
		if !to.IsZero() && tx.Date.After(to) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var dateLayouts = []string{"02/01/2006", "2006-01-02"}

func applyFields(d *domain.TransactionDraft, fields map[string]string) error {
	// Sorted so the first invalid field reported is stable.
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(fields[name])
		switch name {
		case domain.FieldCategory:
			d.Category = value
			if value != "" {
				clearReason(d, domain.ReasonMissingCategory)
			}
		case domain.FieldAmount:
			amount, _, err := extract.ParseAmount(value)
			if err != nil || !amount.IsPositive() {
				return &InvalidFieldError{Field: name, Value: value, Err: err}
			}
			d.Amount = amount
			clearReason(d, domain.ReasonAmbiguousAmount)
			clearReason(d, domain.ReasonReceiptConflict)
		case domain.FieldDescription:
			d.Description = textnorm.Truncate(value, 500)
		case domain.FieldPaymentMethod:
			pm, ok := domain.PaymentMethodFromSpanish(textnorm.Fold(value))
			if !ok {
				return &InvalidFieldError{Field: name, Value: value}
			}
			d.PaymentMethod = pm
			clearReason(d, domain.ReasonMissingPaymentMethod)
		case domain.FieldDate:
			var parsed time.Time
			var err error
			for _, layout := range dateLayouts {
				if parsed, err = time.ParseInLocation(layout, value, time.Local); err == nil {
					break
				}
			}
			if err != nil {
				return &InvalidFieldError{Field: name, Value: value, Err: err}
			}
			d.Date = parsed
		default:
			return &InvalidFieldError{Field: name, Value: value}
		}
	}
	return nil
}

func clearReason(d *domain.TransactionDraft, reason string) {
	kept := d.ReviewReasons[:0]
	for _, r := range d.ReviewReasons {
		if r != reason {
			kept = append(kept, r)
		}
	}
	d.ReviewReasons = kept
	d.NeedsReview = len(kept) > 0
}
