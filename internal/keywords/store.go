// Package keywords holds the shared category/keyword table used by the
// classifier and tuned by the learning loop. All writes go through Update,
// which runs a read-modify-write function inside one transaction.
package keywords

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

// ErrUnknownCategory is returned when a keyword references a category that does not exist.
var ErrUnknownCategory = errors.New("unknown category")

// Tx is the view of the table inside an Update.
type Tx interface {
	Category(name string) (domain.Category, bool, error)
	PutCategory(c domain.Category) error
	Keyword(key domain.KeywordKey) (domain.CategoryKeyword, bool, error)
	PutKeyword(k domain.CategoryKeyword) error
	// Applied reports whether a correction event was already applied.
	Applied(eventID string) (bool, error)
	MarkApplied(eventID string) error
}

// Store is a transactional keyword table.
//
// Update may call fn more than once when a concurrent writer wins, so fn must
// only touch state through tx.
type Store interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	Categories(ctx context.Context) ([]domain.Category, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
	Seed(ctx context.Context, v Vocabulary) error
	Close() error
}

// Snapshot is an immutable, sorted copy of the table.
type Snapshot struct {
	Version    uint64
	Categories []domain.Category        // sorted by name
	Keywords   []domain.CategoryKeyword // sorted by keyword, then category
}

func newSnapshot(version uint64, cats []domain.Category, kws []domain.CategoryKeyword) *Snapshot {
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	sort.Slice(kws, func(i, j int) bool {
		if kws[i].Keyword != kws[j].Keyword {
			return kws[i].Keyword < kws[j].Keyword
		}
		return kws[i].Category < kws[j].Category
	})
	return &Snapshot{Version: version, Categories: cats, Keywords: kws}
}

// Category finds a category by name, ignoring case and diacritics.
func (s *Snapshot) Category(name string) (domain.Category, bool) {
	want := textnorm.Canonical(name)
	if want == "" {
		return domain.Category{}, false
	}
	for _, c := range s.Categories {
		if textnorm.Canonical(c.Name) == want {
			return c, true
		}
	}
	return domain.Category{}, false
}

// Matching returns the rows whose keyword occurs in text as a whole phrase,
// in snapshot order.
func (s *Snapshot) Matching(text string) []domain.CategoryKeyword {
	canon := " " + textnorm.Canonical(text) + " "
	var out []domain.CategoryKeyword
	for _, k := range s.Keywords {
		kw := textnorm.Canonical(k.Keyword)
		if kw != "" && strings.Contains(canon, " "+kw+" ") {
			out = append(out, k)
		}
	}
	return out
}

// Vocabulary is the YAML seed format:
//
//	categories:
//	  - name: Alimentación
//	    priority: 80
//	    keywords: {almuerzo: 1.0}
type Vocabulary struct {
	Categories []CategorySeed `yaml:"categories"`
}

// CategorySeed is one category with its initial keyword weights.
type CategorySeed struct {
	Name     string             `yaml:"name"`
	Priority int                `yaml:"priority"`
	Keywords map[string]float64 `yaml:"keywords"`
}

//go:embed default_vocabulary.yaml
var defaultVocabularyYAML []byte

// DefaultVocabulary returns the built-in Spanish vocabulary.
func DefaultVocabulary() Vocabulary {
	v, err := ParseVocabulary(defaultVocabularyYAML)
	if err != nil {
		panic(fmt.Sprintf("keywords: embedded vocabulary: %v", err))
	}
	return v
}

// ParseVocabulary decodes a YAML vocabulary.
func ParseVocabulary(data []byte) (Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("ParseVocabulary: %w", err)
	}
	for i, c := range v.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return Vocabulary{}, fmt.Errorf("ParseVocabulary: category %d has no name", i)
		}
		for kw, w := range c.Keywords {
			if w < 0 {
				return Vocabulary{}, fmt.Errorf("ParseVocabulary: %s/%s: negative weight %v", c.Name, kw, w)
			}
		}
	}
	return v, nil
}

// LoadVocabulary reads a YAML vocabulary file.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("LoadVocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

// seed inserts the vocabulary. Existing keyword rows keep their learned
// weights; category priorities are refreshed.
func seed(ctx context.Context, s Store, v Vocabulary) error {
	return s.Update(ctx, func(tx Tx) error {
		for _, c := range v.Categories {
			if err := tx.PutCategory(domain.Category{Name: c.Name, Priority: c.Priority}); err != nil {
				return err
			}
			kws := make([]string, 0, len(c.Keywords))
			for kw := range c.Keywords {
				kws = append(kws, kw)
			}
			sort.Strings(kws)
			for _, kw := range kws {
				row := domain.CategoryKeyword{Keyword: textnorm.Canonical(kw), Category: c.Name, Weight: c.Keywords[kw]}
				if row.Keyword == "" {
					continue
				}
				_, ok, err := tx.Keyword(row.Key())
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if err := tx.PutKeyword(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
