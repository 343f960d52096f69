// Package carry threads intermediate artifact paths between pipeline stages.
// The task entity carries no filesystem paths; this store is the single
// source of truth for them within the runner.
package carry

import (
	"sync"
)

// Entry holds the artifact paths produced so far for one task.
type Entry struct {
	DownloadedFilePath string
	ConvertedFilePath  string
}

// Store maps task ids to their carry entries. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewStore creates an empty carry store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]Entry),
	}
}

// Create registers a task. Idempotent: an existing entry is left untouched.
func (s *Store) Create(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[taskID]; !ok {
		s.entries[taskID] = Entry{}
	}
}

// SetDownloaded records the downloaded source path, merging with any
// existing entry.
func (s *Store) SetDownloaded(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[taskID]
	e.DownloadedFilePath = path
	s.entries[taskID] = e
}

// SetConverted records the transcoded output path, merging with any
// existing entry.
func (s *Store) SetConverted(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[taskID]
	e.ConvertedFilePath = path
	s.entries[taskID] = e
}

// Get returns a copy of the entry and whether the task is known.
func (s *Store) Get(taskID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	return e, ok
}

// Delete removes the entry. Deleting an unknown task is a no-op.
func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, taskID)
}

// Len returns the number of tracked tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
