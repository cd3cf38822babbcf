package notes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/leonletto/resident/internal/failure"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "notes.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestAddAndList(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"first", "  second  ", "third"} {
		if _, err := s.Add(ctx, text); err != nil {
			t.Fatalf("Add(%q) error = %v", text, err)
		}
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("List() returned %d notes, want %d", len(got), len(want))
	}
	for i, n := range got {
		if n.Text != want[i] {
			t.Errorf("note %d = %q, want %q", i, n.Text, want[i])
		}
		if n.ID == "" || n.CreatedAt.IsZero() {
			t.Errorf("note %d missing id or timestamp: %+v", i, n)
		}
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List(2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(2) returned %d notes", len(limited))
	}
}

func TestAddEmptyIsUserFacing(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Add(context.Background(), "   ")
	if !errors.Is(err, ErrEmptyNote) {
		t.Fatalf("Add(blank) error = %v, want ErrEmptyNote", err)
	}
	if !failure.IsUserFacing(err) {
		t.Error("empty note error should be user-facing")
	}
}

func TestReopenKeepsNotes(t *testing.T) {
	s, path := openTestStore(t)
	if _, err := s.Add(context.Background(), "persisted"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = again.Close() }()
	got, err := again.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "persisted" {
		t.Errorf("after reopen got %+v", got)
	}
}
