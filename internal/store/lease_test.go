package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireLease_ExclusiveUntilReleased(t *testing.T) {
	s := createTestStore(t)

	held, err := s.AcquireLease(ctx(), "drain", "a", time.Minute)
	if err != nil || !held {
		t.Fatalf("first AcquireLease() = (%v, %v), want (true, nil)", held, err)
	}
	if held, _ := s.AcquireLease(ctx(), "drain", "b", time.Minute); held {
		t.Error("second owner acquired a held lease")
	}
	if held, _ := s.AcquireLease(ctx(), "other", "b", time.Minute); !held {
		t.Error("leases with different names must be independent")
	}

	if err := s.ReleaseLease(ctx(), "drain", "b"); err != nil {
		t.Fatalf("ReleaseLease() by non-owner failed: %v", err)
	}
	if held, _ := s.AcquireLease(ctx(), "drain", "b", time.Minute); held {
		t.Error("release by a non-owner must not free the lease")
	}

	if err := s.ReleaseLease(ctx(), "drain", "a"); err != nil {
		t.Fatalf("ReleaseLease() failed: %v", err)
	}
	if held, _ := s.AcquireLease(ctx(), "drain", "b", time.Minute); !held {
		t.Error("lease not available after release")
	}
}

func TestAcquireLease_OwnerRenews(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	s := createTestStore(t, WithClock(func() time.Time { return now }))

	if held, _ := s.AcquireLease(ctx(), "drain", "a", time.Minute); !held {
		t.Fatal("AcquireLease() failed")
	}
	now = now.Add(50 * time.Second)
	if held, _ := s.AcquireLease(ctx(), "drain", "a", time.Minute); !held {
		t.Fatal("owner could not renew its own lease")
	}

	// Past the first expiry but inside the renewed one.
	now = now.Add(30 * time.Second)
	if held, _ := s.AcquireLease(ctx(), "drain", "b", time.Minute); held {
		t.Error("renewed lease was taken over before it expired")
	}
}

func TestAcquireLease_ExpiredIsTakenOver(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	s := createTestStore(t, WithClock(func() time.Time { return now }))

	if held, _ := s.AcquireLease(ctx(), "drain", "crashed", time.Minute); !held {
		t.Fatal("AcquireLease() failed")
	}
	now = now.Add(time.Minute)
	if held, _ := s.AcquireLease(ctx(), "drain", "b", time.Minute); !held {
		t.Error("expired lease was not taken over")
	}
	if held, _ := s.AcquireLease(ctx(), "drain", "crashed", time.Minute); held {
		t.Error("previous owner still holds a lease that was taken over")
	}
}

func TestAcquireLease_Validation(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.AcquireLease(ctx(), "", "a", time.Minute); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.AcquireLease(ctx(), "drain", "", time.Minute); err == nil {
		t.Error("expected error for empty owner")
	}
	if _, err := s.AcquireLease(ctx(), "drain", "a", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestAcquireLease_SharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	handles := make([]*Store, 4)
	for i := range handles {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		handles[i] = s
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i, s := range handles {
		wg.Add(1)
		go func(owner string, s *Store) {
			defer wg.Done()
			held, err := s.AcquireLease(ctx(), "drain", owner, time.Minute)
			if err != nil {
				t.Errorf("AcquireLease(%s) failed: %v", owner, err)
				return
			}
			if held {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(string(rune('a'+i)), s)
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("%d handles acquired the lease, want exactly 1", count)
	}
}
