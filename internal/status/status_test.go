package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/photonotes/notesync/internal/settings"
)

func TestStatusReflectsTrackedState(t *testing.T) {
	tracker := NewTracker()
	tracker.SetFeedStatus("SUBSCRIBED")
	tracker.SetCheckpoint(settings.Checkpoint{LastSyncedTime: 10, SyncTimestamp: 20})
	tracker.SetProgress("Downloading... 2/5")

	server := httptest.NewServer(NewRouter(tracker))
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := Snapshot{
		FeedStatus:     "SUBSCRIBED",
		LastSyncedTime: 10,
		SyncTimestamp:  20,
		SyncProgress:   "Downloading... 2/5",
	}
	if snap != want {
		t.Fatalf("snapshot mismatch:\n got %+v\nwant %+v", snap, want)
	}
}

func TestLivenessProbe(t *testing.T) {
	server := httptest.NewServer(NewRouter(NewTracker()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/health/live")
	if err != nil {
		t.Fatalf("liveness request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
