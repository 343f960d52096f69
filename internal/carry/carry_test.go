package carry

import (
	"sync"
	"testing"
)

// TestStore_CreateIdempotent verifies Create leaves existing entries intact.
func TestStore_CreateIdempotent(t *testing.T) {
	s := NewStore()

	s.Create("t1")
	s.SetDownloaded("t1", "/tmp/t1/src.mp4")
	s.Create("t1")

	e, ok := s.Get("t1")
	if !ok {
		t.Fatal("expected entry for t1")
	}
	if e.DownloadedFilePath != "/tmp/t1/src.mp4" {
		t.Errorf("Create overwrote existing entry: %+v", e)
	}
}

// TestStore_SetMerges verifies setters merge rather than replace.
func TestStore_SetMerges(t *testing.T) {
	s := NewStore()
	s.Create("t1")

	s.SetDownloaded("t1", "/tmp/t1/src.mp4")
	s.SetConverted("t1", "/tmp/t1_converted.mp4")

	e, _ := s.Get("t1")
	if e.DownloadedFilePath != "/tmp/t1/src.mp4" {
		t.Errorf("downloaded path lost: %+v", e)
	}
	if e.ConvertedFilePath != "/tmp/t1_converted.mp4" {
		t.Errorf("converted path missing: %+v", e)
	}
}

// TestStore_Delete verifies removal and that unknown deletes are no-ops.
func TestStore_Delete(t *testing.T) {
	s := NewStore()
	s.Create("t1")

	s.Delete("t1")
	if _, ok := s.Get("t1"); ok {
		t.Error("expected t1 removed")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}

	s.Delete("unknown") // must not panic
}

// TestStore_GetReturnsCopy verifies callers cannot mutate stored state.
func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Create("t1")
	s.SetDownloaded("t1", "/a")

	e, _ := s.Get("t1")
	e.DownloadedFilePath = "/mutated"

	again, _ := s.Get("t1")
	if again.DownloadedFilePath != "/a" {
		t.Errorf("stored entry was mutated through a Get copy: %+v", again)
	}
}

// TestStore_ConcurrentAccess exercises the mutex under parallel writers.
func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Create("t1")
			s.SetDownloaded("t1", "/a")
			s.SetConverted("t1", "/b")
			s.Get("t1")
		}()
	}
	wg.Wait()

	e, ok := s.Get("t1")
	if !ok || e.DownloadedFilePath != "/a" || e.ConvertedFilePath != "/b" {
		t.Errorf("unexpected final entry: %+v ok=%v", e, ok)
	}
}
