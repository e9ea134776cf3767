package creds

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemoryAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "alice", "T"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	name, err := s.Authenticate(ctx, "T")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if name != "alice" {
		t.Errorf("Authenticate() = %q, want %q", name, "alice")
	}
}

func TestMemoryAuthenticateUnknownToken(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	_, err := s.Authenticate(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Authenticate() error = %v, want ErrUnknownToken", err)
	}
}

func TestMemorySetIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "alice", "T"); err != nil {
		t.Fatalf("first Set() error = %v", err)
	}
	if err := s.Set(ctx, "alice", "T"); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"alice"}) {
		t.Errorf("Names() = %v, want [alice]", names)
	}
}

func TestMemorySetReplacesToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "alice", "old"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "alice", "new"); err != nil {
		t.Fatalf("Set() with new token error = %v", err)
	}

	if name, err := s.Authenticate(ctx, "new"); err != nil || name != "alice" {
		t.Errorf("Authenticate(new) = %q, %v, want alice, nil", name, err)
	}

	// The replaced token must be released.
	if _, err := s.Authenticate(ctx, "old"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Authenticate(old) error = %v, want ErrUnknownToken", err)
	}
}

func TestMemorySetTokenInUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "alice", "T"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "bob", "T"); !errors.Is(err, ErrTokenInUse) {
		t.Errorf("Set(bob, T) error = %v, want ErrTokenInUse", err)
	}

	// alice keeps the token.
	if name, err := s.Authenticate(ctx, "T"); err != nil || name != "alice" {
		t.Errorf("Authenticate(T) = %q, %v, want alice, nil", name, err)
	}
}

func TestMemorySetRejectsEmptyFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "", "T"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Set(empty name) error = %v, want ErrInvalidCredential", err)
	}
	if err := s.Set(ctx, "alice", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Set(empty token) error = %v, want ErrInvalidCredential", err)
	}
}

func TestMemoryRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "alice", "T"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Remove(ctx, "alice"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := s.Authenticate(ctx, "T"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Authenticate() after Remove error = %v, want ErrUnknownToken", err)
	}
	if err := s.Remove(ctx, "alice"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("second Remove() error = %v, want ErrUnknownUser", err)
	}
}

func TestMemoryNamesSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	for name, token := range map[string]string{"carol": "c", "alice": "a", "bob": "b"} {
		if err := s.Set(ctx, name, token); err != nil {
			t.Fatalf("Set(%s) error = %v", name, err)
		}
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Names() = %v, want %v", names, want)
	}
}
