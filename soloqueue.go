package main

import (
	"encoding/json"
	"os"
	"sync"
)

// SoloQueue persists solo registrations as a JSON array in a single
// file. Each append reads the whole file, appends in memory and writes
// it back; the mutex serializes writers so two concurrent submissions
// cannot lose a record to a read-modify-write race.
type SoloQueue struct {
	mu   sync.Mutex
	path string
}

func NewSoloQueue(path string) *SoloQueue {
	return &SoloQueue{path: path}
}

func (q *SoloQueue) Append(rec SoloQueueRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	curr := q.readLocked()
	curr = append(curr, rec)

	data, err := json.MarshalIndent(curr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path, data, 0o644)
}

// List returns the queued records. The registration path never calls
// this; it exists for the admin surface.
func (q *SoloQueue) List() []SoloQueueRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

// readLocked loads the current queue. A missing or unreadable file
// starts a fresh queue. Caller must hold mu.
func (q *SoloQueue) readLocked() []SoloQueueRecord {
	var curr []SoloQueueRecord
	raw, err := os.ReadFile(q.path)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(raw, &curr); err != nil {
		return nil
	}
	return curr
}
