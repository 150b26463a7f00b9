package idempotency

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	xerrors "chainbill-service/internal/pkg/errors"
)

type stubStore struct {
	consumed map[string]bool
	err      error
	calls    int
}

func (s *stubStore) ExistsCompletedByTransactionRef(_ context.Context, ref string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.consumed[ref], nil
}

func TestCheckPassesFreshReference(t *testing.T) {
	store := &stubStore{consumed: map[string]bool{}}
	g := NewGuard(nil, store, zap.NewNop())

	if err := g.Check(context.Background(), "0xabc"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("store consulted %d times, want 1", store.calls)
	}
}

func TestCheckRejectsConsumedReference(t *testing.T) {
	store := &stubStore{consumed: map[string]bool{"0xabc": true}}
	g := NewGuard(nil, store, zap.NewNop())

	err := g.Check(context.Background(), "0xabc")
	if !errors.Is(err, xerrors.ErrDuplicateTransaction) {
		t.Fatalf("err = %v, want ErrDuplicateTransaction", err)
	}
}

func TestCheckPropagatesStoreFailure(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	g := NewGuard(nil, store, zap.NewNop())

	err := g.Check(context.Background(), "0xabc")
	if err == nil || errors.Is(err, xerrors.ErrDuplicateTransaction) {
		t.Fatalf("err = %v, want plain store error", err)
	}
}

func TestCheckSkipsEmptyReference(t *testing.T) {
	store := &stubStore{}
	g := NewGuard(nil, store, zap.NewNop())

	if err := g.Check(context.Background(), ""); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if store.calls != 0 {
		t.Fatal("store should not be consulted for an empty reference")
	}
}
