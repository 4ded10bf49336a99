// Package progress tracks per-download transfer state keyed by output
// filename.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lvcoi/vidfetch/internal/downloader"
)

const (
	StatusUnknown     = "unknown"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// Record is one download's progress. Records are replaced whole, so a
// reader never sees fields from two different updates.
type Record struct {
	Status     string    `json:"status"`
	Percent    float64   `json:"progress"`
	Speed      string    `json:"speed,omitempty"`
	SpeedBytes float64   `json:"speed_bytes,omitempty"`
	ETA        int64     `json:"eta,omitempty"`
	Downloaded int64     `json:"downloaded_bytes,omitempty"`
	Total      int64     `json:"total_bytes,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// Publisher receives every stored record. It is called outside the
// tracker's lock and must not block.
type Publisher interface {
	Publish(key string, rec Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(key string, rec Record)

func (f PublisherFunc) Publish(key string, rec Record) { f(key, rec) }

// Tracker is the process-wide progress store.
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]Record
	publisher Publisher
	now       func() time.Time
}

func New(publisher Publisher) *Tracker {
	return &Tracker{
		records:   make(map[string]Record),
		publisher: publisher,
		now:       time.Now,
	}
}

// Update stores a record built from one transfer sample.
func (t *Tracker) Update(key string, tr downloader.Transfer) {
	rec := Record{
		Status:     StatusDownloading,
		Downloaded: tr.Downloaded,
		Total:      tr.Total,
		SpeedBytes: tr.Speed,
		ETA:        int64(math.Round(tr.ETA.Seconds())),
	}
	if tr.Speed > 0 {
		rec.Speed = humanize.Bytes(uint64(tr.Speed)) + "/s"
	}
	if tr.Total > 0 {
		rec.Percent = clamp(float64(tr.Downloaded) / float64(tr.Total) * 100)
	}

	t.mu.Lock()
	if tr.Total <= 0 {
		if prev, ok := t.records[key]; ok {
			rec.Status = prev.Status
		}
	}
	rec.UpdatedAt = t.now()
	t.records[key] = rec
	t.mu.Unlock()

	t.publish(key, rec)
}

// Start marks a key as downloading with no bytes yet.
func (t *Tracker) Start(key string) {
	t.set(key, Record{Status: StatusDownloading})
}

// Complete marks the download finished with its final size.
func (t *Tracker) Complete(key string, size int64) {
	t.set(key, Record{Status: StatusCompleted, Percent: 100, Downloaded: size, Total: size})
}

// Fail marks the download failed with a human-readable detail.
func (t *Tracker) Fail(key string, err error) {
	rec := Record{Status: StatusError}
	if err != nil {
		rec.Error = err.Error()
	}
	t.set(key, rec)
}

func (t *Tracker) set(key string, rec Record) {
	t.mu.Lock()
	rec.UpdatedAt = t.now()
	t.records[key] = rec
	t.mu.Unlock()
	t.publish(key, rec)
}

// Get returns the stored record, or a record with status "unknown".
func (t *Tracker) Get(key string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[key]; ok {
		return rec
	}
	return Record{Status: StatusUnknown}
}

func (t *Tracker) Delete(key string) {
	t.mu.Lock()
	delete(t.records, key)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Active counts records still downloading.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.records {
		if rec.Status == StatusDownloading {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(key string, rec Record) {
	if t.publisher != nil {
		t.publisher.Publish(key, rec)
	}
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
