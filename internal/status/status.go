// Package status exposes the daemon's runtime state over a small HTTP
// surface: liveness probes plus a snapshot of the feed connection,
// checkpoint, and sync progress.
package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/photonotes/notesync/internal/settings"
)

// Snapshot is what GET /status returns.
type Snapshot struct {
	FeedStatus     string `json:"feed_status"`
	LastSyncedTime int64  `json:"last_synced_time"`
	SyncTimestamp  int64  `json:"sync_timestamp"`
	SyncProgress   string `json:"sync_progress,omitempty"`
}

// Tracker collects state pushed by the daemon's components.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{FeedStatus: "CLOSED"}}
}

func (t *Tracker) SetFeedStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.FeedStatus = status
}

func (t *Tracker) SetProgress(info string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.SyncProgress = info
}

func (t *Tracker) SetCheckpoint(cp settings.Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastSyncedTime = cp.LastSyncedTime
	t.snap.SyncTimestamp = cp.SyncTimestamp
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// NewRouter mounts the health and status endpoints.
func NewRouter(tracker *Tracker) chi.Router {
	r := chi.NewRouter()
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, tracker.Snapshot())
	})
	return r
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
