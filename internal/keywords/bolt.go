package keywords

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/dvloznov/mispesos/internal/domain"
)

var (
	categoriesBucket = []byte("categories")
	keywordsBucket   = []byte("keywords")
	appliedBucket    = []byte("applied")
	metaBucket       = []byte("meta")
	versionKey       = []byte("version")
)

// BoltStore keeps the table in a bolt file. Values are gob encoded.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bolt keyword store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("OpenBolt: unable to open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{categoriesBucket, keywordsBucket, appliedBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenBolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func keywordKey(k domain.KeywordKey) []byte {
	// NUL cannot appear in folded keywords or category names.
	return []byte(k.Keyword + "\x00" + k.Category)
}

func encodeGob(v any) ([]byte, error) {
	var val bytes.Buffer
	if err := gob.NewEncoder(&val).Encode(v); err != nil {
		return nil, err
	}
	return val.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(v)
}

func readVersion(tx *bolt.Tx) uint64 {
	v := tx.Bucket(metaBucket).Get(versionKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Snapshot reads the whole table in one read transaction.
func (s *BoltStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		version uint64
		cats    []domain.Category
		kws     []domain.CategoryKeyword
	)
	if err := s.db.View(func(tx *bolt.Tx) error {
		version = readVersion(tx)
		if err := tx.Bucket(categoriesBucket).ForEach(func(_, v []byte) error {
			var c domain.Category
			if err := decodeGob(v, &c); err != nil {
				return fmt.Errorf("decode category: %w", err)
			}
			cats = append(cats, c)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(keywordsBucket).ForEach(func(_, v []byte) error {
			var k domain.CategoryKeyword
			if err := decodeGob(v, &k); err != nil {
				return fmt.Errorf("decode keyword: %w", err)
			}
			kws = append(kws, k)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("BoltStore.Snapshot: %w", err)
	}
	return newSnapshot(version, cats, kws), nil
}

// Categories returns all categories sorted by name.
func (s *BoltStore) Categories(ctx context.Context) ([]domain.Category, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Categories, nil
}

// Update runs fn inside a bolt read-write transaction. Bolt serialises
// writers, so fn runs exactly once.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("BoltStore.Update: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := fn(&boltTx{tx: tx}); err != nil {
			return err
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], readVersion(tx)+1)
		return tx.Bucket(metaBucket).Put(versionKey, v[:])
	})
}

// Seed inserts the vocabulary without overwriting learned weights.
func (s *BoltStore) Seed(ctx context.Context, v Vocabulary) error {
	return seed(ctx, s, v)
}

// Close closes the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Category(name string) (domain.Category, bool, error) {
	v := t.tx.Bucket(categoriesBucket).Get([]byte(name))
	if v == nil {
		return domain.Category{}, false, nil
	}
	var c domain.Category
	if err := decodeGob(v, &c); err != nil {
		return domain.Category{}, false, fmt.Errorf("decode category %s: %w", name, err)
	}
	return c, true, nil
}

func (t *boltTx) PutCategory(c domain.Category) error {
	val, err := encodeGob(c)
	if err != nil {
		return fmt.Errorf("encode category %s: %w", c.Name, err)
	}
	return t.tx.Bucket(categoriesBucket).Put([]byte(c.Name), val)
}

func (t *boltTx) Keyword(key domain.KeywordKey) (domain.CategoryKeyword, bool, error) {
	v := t.tx.Bucket(keywordsBucket).Get(keywordKey(key))
	if v == nil {
		return domain.CategoryKeyword{}, false, nil
	}
	var k domain.CategoryKeyword
	if err := decodeGob(v, &k); err != nil {
		return domain.CategoryKeyword{}, false, fmt.Errorf("decode keyword %s: %w", key.Keyword, err)
	}
	return k, true, nil
}

func (t *boltTx) PutKeyword(k domain.CategoryKeyword) error {
	if t.tx.Bucket(categoriesBucket).Get([]byte(k.Category)) == nil {
		return fmt.Errorf("PutKeyword %q: %w: %s", k.Keyword, ErrUnknownCategory, k.Category)
	}
	val, err := encodeGob(k)
	if err != nil {
		return fmt.Errorf("encode keyword %s: %w", k.Keyword, err)
	}
	return t.tx.Bucket(keywordsBucket).Put(keywordKey(k.Key()), val)
}

func (t *boltTx) Applied(eventID string) (bool, error) {
	return t.tx.Bucket(appliedBucket).Get([]byte(eventID)) != nil, nil
}

func (t *boltTx) MarkApplied(eventID string) error {
	return t.tx.Bucket(appliedBucket).Put([]byte(eventID), []byte{1})
}
