package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/ninjateam/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_MigrateTwice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sess, err := s.CreateSession("sess-1", models.ModeDistributed)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Status != "running" {
		t.Errorf("Expected status running, got %s", sess.Status)
	}

	if err := s.UpdateSessionMode("sess-1", models.ModeSingle); err != nil {
		t.Fatalf("UpdateSessionMode failed: %v", err)
	}
	if err := s.FinishSession("sess-1", "succeeded", "3 units"); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Mode != models.ModeSingle {
		t.Errorf("Expected mode single, got %s", got.Mode)
	}
	if got.Status != "succeeded" || got.Summary != "3 units" {
		t.Errorf("Unexpected session %+v", got)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt should be set")
	}

	missing, err := s.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession(missing) failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing session")
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateSession(fmt.Sprintf("s%d", i), models.ModeSingle); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := s.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "s2" {
		t.Errorf("Expected newest first, got %s", sessions[0].ID)
	}
}

func TestAttempts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.CreateSession("sess", models.ModeDistributed)
	start := time.Now()

	first := &models.Attempt{
		SessionID: "sess", UnitID: "obj/a.o", Agent: "w1", Number: 1,
		Outcome: "infra_failure", Error: "connection reset",
		StartedAt: start, EndedAt: start.Add(time.Second),
	}
	if err := s.RecordAttempt(first); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if first.ID == "" {
		t.Error("Attempt ID should be assigned")
	}

	second := &models.Attempt{
		SessionID: "sess", UnitID: "obj/a.o", Agent: "w2", Number: 2,
		Outcome: "success", StartedAt: start.Add(2 * time.Second), EndedAt: start.Add(3 * time.Second),
	}
	if err := s.RecordAttempt(second); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	attempts, err := s.ListAttempts("sess")
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Agent != "w1" || attempts[0].Error != "connection reset" {
		t.Errorf("Unexpected first attempt %+v", attempts[0])
	}
	if attempts[1].Duration() != time.Second {
		t.Errorf("Expected 1s duration, got %s", attempts[1].Duration())
	}
}

func TestExclusions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.CreateSession("sess", models.ModeDistributed)
	if err := s.RecordExclusion("sess", "w3", "unreachable"); err != nil {
		t.Fatalf("RecordExclusion failed: %v", err)
	}

	ex, err := s.ListExclusions("sess")
	if err != nil {
		t.Fatalf("ListExclusions failed: %v", err)
	}
	if len(ex) != 1 || ex[0].Host != "w3" || ex[0].Reason != "unreachable" {
		t.Errorf("Unexpected exclusions %+v", ex)
	}
}

func TestDecisions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rec, err := s.WriteDecision("sess", "mode.downgrade", "abc123", "single", "1 reachable host")
	if err != nil {
		t.Fatalf("WriteDecision failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("Decision ID should not be empty")
	}

	recs, err := s.ListDecisions("sess")
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != "mode.downgrade" || recs[0].Details != "1 reachable host" {
		t.Errorf("Unexpected decisions %+v", recs)
	}
}

func TestCacheIndex(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().Add(-time.Hour)
	for i, fp := range []string{"fp-a", "fp-b", "fp-c"} {
		e := &models.CacheEntry{
			Fingerprint:  fp,
			ArtifactPath: fp + ".tar.zst",
			SizeBytes:    int64(100 * (i + 1)),
			Checksum:     "sum-" + fp,
			Compression:  "zstd",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			LastAccess:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PutCacheEntry(e); err != nil {
			t.Fatalf("PutCacheEntry failed: %v", err)
		}
	}

	// Fingerprints are immutable.
	dup := &models.CacheEntry{Fingerprint: "fp-a", ArtifactPath: "x", Checksum: "y", Compression: "zstd"}
	if err := s.PutCacheEntry(dup); err == nil {
		t.Error("Expected error inserting duplicate fingerprint")
	}

	size, count, err := s.CacheSize()
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if size != 600 || count != 3 {
		t.Errorf("Expected 600 bytes in 3 entries, got %d in %d", size, count)
	}

	// Touch the oldest so it moves to the back of the LRU order.
	if err := s.TouchCacheEntry("fp-a", time.Now()); err != nil {
		t.Fatalf("TouchCacheEntry failed: %v", err)
	}

	lru, err := s.ListCacheEntries("lru")
	if err != nil {
		t.Fatalf("ListCacheEntries failed: %v", err)
	}
	if lru[0].Fingerprint != "fp-b" || lru[2].Fingerprint != "fp-a" {
		t.Errorf("Unexpected LRU order: %s %s %s", lru[0].Fingerprint, lru[1].Fingerprint, lru[2].Fingerprint)
	}

	fifo, err := s.ListCacheEntries("fifo")
	if err != nil {
		t.Fatalf("ListCacheEntries failed: %v", err)
	}
	if fifo[0].Fingerprint != "fp-a" {
		t.Errorf("Expected fp-a first in FIFO order, got %s", fifo[0].Fingerprint)
	}

	if err := s.DeleteCacheEntry("fp-b"); err != nil {
		t.Fatalf("DeleteCacheEntry failed: %v", err)
	}
	got, err := s.GetCacheEntry("fp-b")
	if err != nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}
	if got != nil {
		t.Error("Expected nil after delete")
	}
}

func TestRecordAttempt_Concurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.CreateSession("sess", models.ModeDistributed)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			now := time.Now()
			errs <- s.RecordAttempt(&models.Attempt{
				SessionID: "sess", UnitID: fmt.Sprintf("u%d", n), Agent: "w", Number: 1,
				Outcome: "success", StartedAt: now, EndedAt: now,
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("RecordAttempt failed: %v", err)
		}
	}

	attempts, _ := s.ListAttempts("sess")
	if len(attempts) != workers {
		t.Errorf("Expected %d attempts, got %d", workers, len(attempts))
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
