package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubLister struct {
	ids   []string
	err   error
	calls int
}

func (s *stubLister) VisibleChannelIDs(ctx context.Context, limit int) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.ids, nil
}

func trimPrefix(id string) string { return strings.TrimPrefix(id, "-100") }

func TestMembershipCacheServesWithinTTL(t *testing.T) {
	clk := newFakeClock()
	lister := &stubLister{ids: []string{"-1005551", "-1007777"}}
	m := NewMembershipCache(lister, MembershipConfig{TTL: 12 * time.Hour, Normalize: trimPrefix, Clock: clk})
	ctx := context.Background()

	set, err := m.VisibleChannelIDs(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !set.Has("5551") || !set.Has("7777") {
		t.Fatalf("expected normalized ids, got %v", set)
	}

	clk.Advance(11 * time.Hour)
	if _, err := m.VisibleChannelIDs(ctx); err != nil {
		t.Fatal(err)
	}
	if lister.calls != 1 {
		t.Fatalf("expected cached answer within TTL, lister calls=%d", lister.calls)
	}

	clk.Advance(2 * time.Hour)
	if _, err := m.VisibleChannelIDs(ctx); err != nil {
		t.Fatal(err)
	}
	if lister.calls != 2 {
		t.Fatalf("expected refresh after TTL, lister calls=%d", lister.calls)
	}
}

func TestMembershipCacheKeepsStaleOnFailure(t *testing.T) {
	clk := newFakeClock()
	lister := &stubLister{ids: []string{"5551"}}
	m := NewMembershipCache(lister, MembershipConfig{TTL: time.Hour, Clock: clk})
	ctx := context.Background()

	if _, err := m.VisibleChannelIDs(ctx); err != nil {
		t.Fatal(err)
	}
	lister.err = errors.New("platform down")
	clk.Advance(2 * time.Hour)

	set, err := m.VisibleChannelIDs(ctx)
	if err != nil {
		t.Fatalf("stale snapshot should be served without error, got %v", err)
	}
	if !set.Has("5551") {
		t.Fatal("expected last good snapshot")
	}
}

func TestMembershipCacheFailureWithoutSnapshot(t *testing.T) {
	lister := &stubLister{err: errors.New("boom")}
	m := NewMembershipCache(lister, MembershipConfig{Clock: newFakeClock()})
	set, err := m.VisibleChannelIDs(context.Background())
	if err == nil {
		t.Fatal("expected error with no snapshot")
	}
	if len(set) != 0 {
		t.Fatal("expected empty set")
	}
	if m.Age() != -1 {
		t.Errorf("expected no age before first load, got %v", m.Age())
	}
}

func TestMembershipCacheForceRefresh(t *testing.T) {
	lister := &stubLister{ids: []string{"1"}}
	m := NewMembershipCache(lister, MembershipConfig{TTL: 48 * time.Hour, Clock: newFakeClock()})
	ctx := context.Background()
	_, _ = m.VisibleChannelIDs(ctx)

	lister.ids = []string{"1", "2"}
	set, err := m.ForceRefresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !set.Has("2") || m.Size() != 2 {
		t.Fatalf("force refresh should reload, got %v", set)
	}
	if lister.calls != 2 {
		t.Errorf("expected 2 lister calls, got %d", lister.calls)
	}
}
