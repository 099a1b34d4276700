package callsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisStore(rdb, time.Hour)
}

// stores runs fn against both implementations.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) {
		_, s := newRedisStore(t)
		fn(t, s)
	})
}

func sampleSession(id string) CallSession {
	return CallSession{
		CallID:    id,
		Company:   Company{ID: "c1", Name: "Acme Plumbing", Email: "ops@acme.test"},
		Services:  []Service{{ID: "s1", Name: "Leak repair", Price: 120}},
		From:      "+61400123456",
		To:        "+61290000000",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_LoadMissing(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		_, ok, err := s.Load(context.Background(), "CA-missing")
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if ok {
			t.Fatalf("expected missing session")
		}
	})
}

func TestStore_RejectsEmptyCallID(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, _, err := s.Load(ctx, ""); !errors.Is(err, ErrInvalidCallID) {
			t.Fatalf("load: expected ErrInvalidCallID, got %v", err)
		}
		if _, err := s.Create(ctx, CallSession{}); !errors.Is(err, ErrInvalidCallID) {
			t.Fatalf("create: expected ErrInvalidCallID, got %v", err)
		}
		if err := s.AppendTurn(ctx, "", Turn{}); !errors.Is(err, ErrInvalidCallID) {
			t.Fatalf("append: expected ErrInvalidCallID, got %v", err)
		}
	})
}

func TestStore_SaveLoadDeleteRoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := sampleSession("CA1")
		in.History = []Turn{
			{Speaker: SpeakerAI, Message: "Hi", StartedAt: "2026-01-02T03:04:05Z"},
			{Speaker: SpeakerCustomer, Message: "Hello", StartedAt: "2026-01-02T03:04:09Z"},
		}
		if err := s.Save(ctx, in); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, ok, err := s.Load(ctx, "CA1")
		if err != nil || !ok {
			t.Fatalf("load: ok=%v err=%v", ok, err)
		}
		if got.Company.Name != "Acme Plumbing" || len(got.Services) != 1 {
			t.Fatalf("unexpected session: %+v", got)
		}
		if len(got.History) != 2 || got.History[1].Message != "Hello" {
			t.Fatalf("unexpected history: %+v", got.History)
		}
		if !got.CreatedAt.Equal(in.CreatedAt) {
			t.Fatalf("createdAt changed: %v", got.CreatedAt)
		}

		if err := s.Delete(ctx, "CA1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.Load(ctx, "CA1"); ok {
			t.Fatalf("expected session deleted")
		}
		if err := s.Delete(ctx, "CA1"); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
	})
}

func TestStore_CreateIsSetIfAbsent(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := sampleSession("CA2")
		created, err := s.Create(ctx, first)
		if err != nil || !created {
			t.Fatalf("expected create, got created=%v err=%v", created, err)
		}

		second := sampleSession("CA2")
		second.Company.Name = "Other"
		created, err = s.Create(ctx, second)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if created {
			t.Fatalf("expected second create to be rejected")
		}

		got, _, _ := s.Load(ctx, "CA2")
		if got.Company.Name != "Acme Plumbing" {
			t.Fatalf("existing session was overwritten: %q", got.Company.Name)
		}
	})
}

func TestStore_CreateRefusedAfterDelete(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Create(ctx, sampleSession("CA11")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Delete(ctx, "CA11"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		late := CallSession{CallID: "CA11"}
		created, err := s.Create(ctx, late)
		if !errors.Is(err, ErrFinalized) {
			t.Fatalf("expected ErrFinalized, got created=%v err=%v", created, err)
		}
		if created {
			t.Fatalf("finalized call must not be recreated")
		}
		if _, ok, _ := s.Load(ctx, "CA11"); ok {
			t.Fatalf("expected no session after refused create")
		}
		if err := s.AppendTurn(ctx, "CA11", NewTurn(SpeakerCustomer, "hello?", time.Now())); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on append, got %v", err)
		}
	})
}

func TestStore_AppendTurnPreservesOrder(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Create(ctx, sampleSession("CA3")); err != nil {
			t.Fatalf("create: %v", err)
		}
		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for i, msg := range []string{"a", "b", "c"} {
			if err := s.AppendTurn(ctx, "CA3", NewTurn(SpeakerCustomer, msg, base.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		got, _, _ := s.Load(ctx, "CA3")
		if len(got.History) != 3 {
			t.Fatalf("expected 3 turns, got %d", len(got.History))
		}
		for i, want := range []string{"a", "b", "c"} {
			if got.History[i].Message != want {
				t.Fatalf("turn %d: expected %q got %q", i, want, got.History[i].Message)
			}
		}
	})
}

func TestStore_AppendTurnMissingSession(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		err := s.AppendTurn(context.Background(), "CA-none", NewTurn(SpeakerAI, "hi", time.Now()))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_UpdateKeepsHistory(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Create(ctx, sampleSession("CA4"))
		_ = s.AppendTurn(ctx, "CA4", NewTurn(SpeakerAI, "Hi", time.Now()))

		err := s.Update(ctx, "CA4", func(cs *CallSession) error {
			if cs.History != nil {
				t.Errorf("update fn should not see history")
			}
			cs.ConfirmBooking = true
			cs.CallID = "tampered"
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}

		got, ok, _ := s.Load(ctx, "CA4")
		if !ok {
			t.Fatalf("session lost")
		}
		if got.CallID != "CA4" {
			t.Fatalf("call id must be immutable, got %q", got.CallID)
		}
		if !got.ConfirmBooking {
			t.Fatalf("expected update applied")
		}
		if len(got.History) != 1 {
			t.Fatalf("expected history preserved, got %d", len(got.History))
		}
	})
}

func TestStore_UpdateMissingAndFnError(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Update(ctx, "CA-none", func(*CallSession) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		_, _ = s.Create(ctx, sampleSession("CA5"))
		boom := errors.New("boom")
		err := s.Update(ctx, "CA5", func(cs *CallSession) error {
			cs.ConfirmBooking = true
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}
		got, _, _ := s.Load(ctx, "CA5")
		if got.ConfirmBooking {
			t.Fatalf("failed update must not be written")
		}
	})
}

func TestStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Create(ctx, sampleSession("CA6"))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.AppendTurn(ctx, "CA6", NewTurn(SpeakerCustomer, "x", time.Now())); err != nil {
					t.Errorf("append: %v", err)
				}
			}()
		}
		wg.Wait()

		got, _, _ := s.Load(ctx, "CA6")
		if len(got.History) != n {
			t.Fatalf("expected %d turns, got %d", n, len(got.History))
		}
	})
}

func TestStore_FinalizationLease(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tok, ok, err := s.ClaimFinalization(ctx, "CA7", time.Minute)
		if err != nil || !ok || tok == "" {
			t.Fatalf("expected claim, got tok=%q ok=%v err=%v", tok, ok, err)
		}
		_, ok, err = s.ClaimFinalization(ctx, "CA7", time.Minute)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if ok {
			t.Fatalf("expected second claim rejected")
		}

		if err := s.ReleaseFinalization(ctx, "CA7", "not-the-owner"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, ok, _ := s.ClaimFinalization(ctx, "CA7", time.Minute); ok {
			t.Fatalf("non-owner release must not free the lease")
		}

		if err := s.ReleaseFinalization(ctx, "CA7", tok); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, ok, _ := s.ClaimFinalization(ctx, "CA7", time.Minute); !ok {
			t.Fatalf("expected claim after release")
		}
	})
}

func TestRedisStore_SessionExpires(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, sampleSession("CA8"))
	_ = s.AppendTurn(ctx, "CA8", NewTurn(SpeakerAI, "Hi", time.Now()))

	mr.FastForward(2 * time.Hour)

	if _, ok, _ := s.Load(ctx, "CA8"); ok {
		t.Fatalf("expected session to expire")
	}
	if mr.Exists(historyKey("CA8")) {
		t.Fatalf("expected history to expire with the session")
	}
}

func TestRedisStore_AppendRefreshesTTL(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, sampleSession("CA9"))

	mr.FastForward(50 * time.Minute)
	_ = s.AppendTurn(ctx, "CA9", NewTurn(SpeakerCustomer, "still here", time.Now()))
	mr.FastForward(50 * time.Minute)

	if _, ok, _ := s.Load(ctx, "CA9"); !ok {
		t.Fatalf("append should have refreshed the session ttl")
	}
}

func TestRedisStore_UpdateRefreshesHistoryTTL(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, sampleSession("CA12"))
	_ = s.AppendTurn(ctx, "CA12", NewTurn(SpeakerAI, "Hi", time.Now()))

	mr.FastForward(50 * time.Minute)
	if err := s.Update(ctx, "CA12", func(cs *CallSession) error {
		cs.ConfirmBooking = true
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	mr.FastForward(50 * time.Minute)

	got, ok, _ := s.Load(ctx, "CA12")
	if !ok {
		t.Fatalf("update should have refreshed the session ttl")
	}
	if len(got.History) != 1 {
		t.Fatalf("history expired before the session, got %d turns", len(got.History))
	}
	if ttl := mr.TTL(historyKey("CA12")); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected history ttl %s", ttl)
	}
}

func TestRedisStore_FinalizedMarkExpires(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, sampleSession("CA13"))
	_ = s.Delete(ctx, "CA13")

	if !mr.Exists(doneKey("CA13")) {
		t.Fatalf("expected finalized mark")
	}
	mr.FastForward(finalizedTTL + time.Minute)

	created, err := s.Create(ctx, sampleSession("CA13"))
	if err != nil || !created {
		t.Fatalf("expected create after mark expiry, got created=%v err=%v", created, err)
	}
}

func TestRedisStore_StoreUnavailable(t *testing.T) {
	mr, s := newRedisStore(t)
	mr.Close()

	if _, _, err := s.Load(context.Background(), "CA10"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
