// Package userstore persists proxy user accounts: email, bcrypt password
// hash, and the pair of upstream credentials (app token, auth token) each
// user authenticates to the canonical API with. Two implementations share
// the Store interface, mirroring the teacher's dual memory/bbolt cache
// split — bbolt is the production store, memory is for tests and for
// running without a configured database file.
package userstore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

// User is one proxy account.
type User struct {
	ID           uint64
	Email        string
	PasswordHash []byte
	AppToken     string
	AuthToken    string
}

// ErrNotFound is returned when a lookup finds no matching user.
var ErrNotFound = errors.New("userstore: not found")

// Store is the persistence interface for user accounts. All implementations
// must be safe for concurrent use.
type Store interface {
	// ByID returns the user with the given id.
	ByID(id uint64) (User, error)
	// ByEmail returns the user with the given email (case-insensitive).
	ByEmail(email string) (User, error)
	// Put creates or updates a user record. If u.ID is zero, a new id is
	// assigned and returned via the returned User.
	Put(u User) (User, error)
	// Close releases any resources held by the store.
	Close() error
}

const credentialTokenLength = 16

// tokenAlphabet mirrors the original's get_random_string: uppercase ASCII
// plus digits, drawn via a CSPRNG.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random credential token of credentialTokenLength
// characters drawn from tokenAlphabet using crypto/rand, matching the
// original's secrets.choice-based get_random_string.
func GenerateToken() (string, error) {
	buf := make([]byte, credentialTokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("userstore: generate token: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// HashPassword bcrypt-hashes a plaintext password at the library default
// cost.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// CheckPassword reports whether plaintext matches hash.
func CheckPassword(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// --- memoryStore -----------------------------------------------------------

// MemoryStore is an in-memory Store, used in tests and when no database
// file is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uint64]User
	byEmail map[string]uint64
	nextID  uint64
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uint64]User),
		byEmail: make(map[string]uint64),
	}
}

func (s *MemoryStore) ByID(id uint64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) ByEmail(email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) Put(u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		s.nextID++
		u.ID = s.nextID
	} else if u.ID > s.nextID {
		s.nextID = u.ID
	}

	s.byID[u.ID] = u
	s.byEmail[normalizeEmail(u.Email)] = u.ID
	return u, nil
}

func (s *MemoryStore) Close() error { return nil }

func normalizeEmail(email string) string {
	b := []byte(email)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// --- bboltStore --------------------------------------------------------

var (
	bucketUsers        = []byte("users")
	bucketUsersByEmail = []byte("users_by_email")
)

// BboltStore is a Store backed by an embedded bbolt database. Entries
// survive process restarts.
type BboltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at path and ensures its
// buckets exist.
func Open(path string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("userstore: open %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUsersByEmail)
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("userstore: create buckets: %w", err)
	}
	return &BboltStore{db: db}, nil
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func encodeUser(u User) []byte {
	parts := []string{
		strconv.FormatUint(u.ID, 10),
		u.Email,
		string(u.PasswordHash),
		u.AppToken,
		u.AuthToken,
	}
	var buf []byte
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '\x00')
		}
		buf = append(buf, p...)
	}
	return buf
}

func decodeUser(data []byte) (User, error) {
	fields := splitNUL(data, 5)
	if len(fields) != 5 {
		return User{}, fmt.Errorf("userstore: malformed record")
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("userstore: malformed id: %w", err)
	}
	return User{
		ID:           id,
		Email:        fields[1],
		PasswordHash: []byte(fields[2]),
		AppToken:     fields[3],
		AuthToken:    fields[4],
	}, nil
}

func splitNUL(data []byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i, c := range data {
		if c == 0 {
			out = append(out, string(data[start:i]))
			start = i + 1
			if len(out) == n-1 {
				out = append(out, string(data[start:]))
				return out
			}
		}
	}
	out = append(out, string(data[start:]))
	return out
}

func (s *BboltStore) ByID(id uint64) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		var decErr error
		u, decErr = decodeUser(v)
		return decErr
	})
	return u, err
}

func (s *BboltStore) ByEmail(email string) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketUsersByEmail).Get([]byte(normalizeEmail(email)))
		if idBytes == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketUsers).Get(idBytes)
		if v == nil {
			return ErrNotFound
		}
		var decErr error
		u, decErr = decodeUser(v)
		return decErr
	})
	return u, err
}

func (s *BboltStore) Put(u User) (User, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		byEmail := tx.Bucket(bucketUsersByEmail)

		if u.ID == 0 {
			next, err := users.NextSequence()
			if err != nil {
				return err
			}
			u.ID = next
		}

		if err := users.Put(idKey(u.ID), encodeUser(u)); err != nil {
			return err
		}
		return byEmail.Put([]byte(normalizeEmail(u.Email)), idKey(u.ID))
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
