package userstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore_PutAssignsID(t *testing.T) {
	s := NewMemoryStore()
	u, err := s.Put(User{Email: "alice@example.com", AppToken: "AAAA", AuthToken: "BBBB"})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 {
		t.Error("expected a nonzero assigned id")
	}

	got, err := s.ByID(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("unexpected email: %q", got.Email)
	}
}

func TestMemoryStore_ByEmailCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Put(User{Email: "Bob@Example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ByEmail("bob@example.com"); err != nil {
		t.Fatalf("expected case-insensitive match, got %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.ByID(999); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ByEmail("nobody@example.com"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBboltStore_BasicOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	u, err := s.Put(User{Email: "carol@example.com", AppToken: "CCCC", AuthToken: "DDDD"})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 {
		t.Error("expected assigned id")
	}

	byID, err := s.ByID(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID.AppToken != "CCCC" {
		t.Errorf("unexpected app token: %q", byID.AppToken)
	}

	byEmail, err := s.ByEmail("CAROL@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if byEmail.ID != u.ID {
		t.Error("expected email lookup to resolve to same id")
	}
}

func TestBboltStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open first instance: %v", err)
	}
	u, err := s1.Put(User{Email: "dave@example.com", AppToken: "EEEE", AuthToken: "FFFF"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close first instance: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing after close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("open second instance: %v", err)
	}
	defer s2.Close() //nolint:errcheck // test cleanup

	got, err := s2.ByID(u.ID)
	if err != nil {
		t.Fatalf("user did not survive restart: %v", err)
	}
	if got.Email != "dave@example.com" || got.AuthToken != "FFFF" {
		t.Errorf("restored user mismatch: %+v", got)
	}
}

func TestBboltStore_UpdateExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "update.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	u, err := s.Put(User{Email: "erin@example.com", AppToken: "GGGG", AuthToken: "HHHH"})
	if err != nil {
		t.Fatal(err)
	}

	u.AuthToken = "IIII"
	if _, err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	got, err := s.ByID(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AuthToken != "IIII" {
		t.Errorf("expected updated auth token, got %q", got.AuthToken)
	}
}

func TestGenerateToken_LengthAndAlphabet(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != credentialTokenLength {
		t.Errorf("expected length %d, got %d", credentialTokenLength, len(tok))
	}
	for _, c := range tok {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			t.Errorf("unexpected character %q in token %q", c, tok)
		}
	}
}

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Error("expected matching password to verify")
	}
	if CheckPassword(hash, "wrong password") {
		t.Error("expected non-matching password to fail")
	}
}
