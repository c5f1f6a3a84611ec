package filestore

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSaveAndOpen(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte("fake-audio-bytes")
	token, err := s.Save(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !ValidToken(token) {
		t.Fatalf("Save returned invalid token %q", token)
	}

	f, err := s.Open(token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t1, err := s.Save(strings.NewReader("same contents"))
	if err != nil {
		t.Fatalf("first Save: %v", err)
	}
	t2, err := s.Save(strings.NewReader("same contents"))
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if t1 != t2 {
		t.Errorf("tokens differ for identical contents: %q vs %q", t1, t2)
	}
}

func TestOpenUnknownToken(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token := strings.Repeat("a", 64)
	if _, err := s.Open(token); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(unknown) = %v, want ErrNotFound", err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, token := range []string{"../etc/passwd", "", "abc", strings.Repeat("Z", 64)} {
		if _, err := s.Open(token); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) = %v, want ErrNotFound", token, err)
		}
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Save(strings.NewReader("")); !errors.Is(err, ErrEmpty) {
		t.Errorf("Save(empty) = %v, want ErrEmpty", err)
	}
}

func TestSaveTooLarge(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	big := io.LimitReader(zeroReader{}, MaxBlobSize+1)
	if _, err := s.Save(big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Save(oversized) = %v, want ErrTooLarge", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
