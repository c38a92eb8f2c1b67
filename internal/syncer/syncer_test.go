package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/photonotes/notesync/internal/service"
	"github.com/photonotes/notesync/internal/store"
)

type fakeRemote struct {
	mu        sync.Mutex
	manifest  service.Manifest
	files     map[string][]byte
	failing   map[string]int
	downloads []string
}

func (f *fakeRemote) Manifest(ctx context.Context, since int64) (service.Manifest, error) {
	return f.manifest, nil
}

func (f *fakeRemote) Download(ctx context.Context, url string, withAuth bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, url)
	if remaining, ok := f.failing[url]; ok && remaining > 0 {
		f.failing[url] = remaining - 1
		return nil, errors.New("network flake")
	}
	data, ok := f.files[url]
	if !ok {
		return nil, &service.HTTPError{StatusCode: 404}
	}
	return data, nil
}

func (f *fakeRemote) downloadCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, got := range f.downloads {
		if got == url {
			count++
		}
	}
	return count
}

func newTestSyncer(t *testing.T, remote *fakeRemote, opts Options) (*Syncer, *store.FS) {
	t.Helper()
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if opts.SyncPath == "" {
		opts.SyncPath = "Photonotes"
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Millisecond
	}
	s, err := New(remote, fs, opts)
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	return s, fs
}

func TestFreshSyncDownloadsEverythingAndAdvancesCheckpoint(t *testing.T) {
	remote := &fakeRemote{
		manifest: service.Manifest{
			LastUpdated: 1700000000000,
			FileList: service.FileList{
				Assets: []string{
					"https://cdn.example/images/a.png",
					"https://cdn.example/images/b.png",
				},
				Markdowns: []service.MarkdownEntry{
					{URL: "https://api.example/download?id=1", Name: "Travel-1.md"},
				},
			},
		},
		files: map[string][]byte{
			"https://cdn.example/images/a.png":  []byte("png-a"),
			"https://cdn.example/images/b.png":  []byte("png-b"),
			"https://api.example/download?id=1": []byte("# Travel"),
		},
	}
	var reports []string
	s, fs := newTestSyncer(t, remote, Options{OnReport: func(info string) { reports = append(reports, info) }})

	cp, err := s.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if cp.SyncTimestamp != 1700000000000 {
		t.Fatalf("expected checkpoint to advance to manifest lastUpdated, got %d", cp.SyncTimestamp)
	}
	if cp.LastSyncedTime == 0 {
		t.Fatal("expected wall-clock bookkeeping to be set")
	}
	for _, path := range []string{
		"Photonotes/images/a.png",
		"Photonotes/images/b.png",
		"Photonotes/Travel-1.md",
	} {
		if !fs.Exists(path) {
			t.Fatalf("expected %s to exist after sync", path)
		}
	}
	if len(reports) == 0 || reports[len(reports)-1] != "Sync Completed" {
		t.Fatalf("expected final report 'Sync Completed', got %v", reports)
	}
	foundProgress := false
	for _, r := range reports {
		if strings.HasPrefix(r, "Downloading... ") {
			foundProgress = true
		}
	}
	if !foundProgress {
		t.Fatalf("expected per-download progress reports, got %v", reports)
	}
}

func TestExistingAssetNeverTriggersNetworkRequest(t *testing.T) {
	assetURL := "https://cdn.example/images/a.png"
	remote := &fakeRemote{
		manifest: service.Manifest{
			LastUpdated: 5,
			FileList:    service.FileList{Assets: []string{assetURL}},
		},
		files: map[string][]byte{assetURL: []byte("png-a")},
	}
	s, fs := newTestSyncer(t, remote, Options{})
	if err := fs.Write("Photonotes/images/a.png", []byte("already here")); err != nil {
		t.Fatalf("seed asset failed: %v", err)
	}

	if _, err := s.Sync(context.Background(), 0); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if remote.downloadCount(assetURL) != 0 {
		t.Fatalf("expected zero downloads for existing asset, got %d", remote.downloadCount(assetURL))
	}
	data, _ := fs.Read("Photonotes/images/a.png")
	if string(data) != "already here" {
		t.Fatalf("expected existing asset content untouched, got %q", string(data))
	}
}

func TestSecondSyncIsIdempotentBesidesDocumentRefetch(t *testing.T) {
	assetURL := "https://cdn.example/images/a.png"
	mdURL := "https://api.example/download?id=1"
	remote := &fakeRemote{
		manifest: service.Manifest{
			LastUpdated: 9,
			FileList: service.FileList{
				Assets:    []string{assetURL},
				Markdowns: []service.MarkdownEntry{{URL: mdURL, Name: "Travel-1.md"}},
			},
		},
		files: map[string][]byte{
			assetURL: []byte("png-a"),
			mdURL:    []byte("# Travel"),
		},
	}
	s, _ := newTestSyncer(t, remote, Options{})
	if _, err := s.Sync(context.Background(), 0); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if _, err := s.Sync(context.Background(), 9); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if remote.downloadCount(assetURL) != 1 {
		t.Fatalf("expected asset downloaded once across both passes, got %d", remote.downloadCount(assetURL))
	}
	if remote.downloadCount(mdURL) != 2 {
		t.Fatalf("expected document re-fetched every pass, got %d", remote.downloadCount(mdURL))
	}
}

func TestFailedDownloadsAreCountedButCheckpointStillAdvances(t *testing.T) {
	goodURL := "https://cdn.example/images/good.png"
	badURL := "https://cdn.example/images/bad.png"
	remote := &fakeRemote{
		manifest: service.Manifest{
			LastUpdated: 44,
			FileList:    service.FileList{Assets: []string{goodURL, badURL}},
		},
		files:   map[string][]byte{goodURL: []byte("ok")},
		failing: map[string]int{badURL: 99},
	}
	var reports []string
	s, fs := newTestSyncer(t, remote, Options{
		RetryAttempts: 2,
		OnReport:      func(info string) { reports = append(reports, info) },
	})

	cp, err := s.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("sync should be best-effort, got %v", err)
	}
	if cp.SyncTimestamp != 44 {
		t.Fatalf("expected checkpoint to advance despite failures, got %d", cp.SyncTimestamp)
	}
	if !fs.Exists("Photonotes/images/good.png") {
		t.Fatal("expected the good asset to land")
	}
	if remote.downloadCount(badURL) != 2 {
		t.Fatalf("expected the failing url to be retried to the bound, got %d attempts", remote.downloadCount(badURL))
	}
	last := reports[len(reports)-1]
	if last != "Sync Completed with 1 failed downloads" {
		t.Fatalf("expected failure tally in final report, got %q", last)
	}
}

func TestMaterializeReplacesMismatchedStaleFile(t *testing.T) {
	mdURL := "https://api.example/download?id=42"
	remote := &fakeRemote{files: map[string][]byte{mdURL: []byte("# fresh")}}
	s, fs := newTestSyncer(t, remote, Options{})
	// The notebook was retitled remotely; the old title still carries the id.
	if err := fs.Write("Photonotes/Old Title-42.md", []byte("# stale")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err := s.Materialize(context.Background(), Item{URL: mdURL, Dest: "Photonotes/Travel-42.md", NeedAuth: true})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if fs.Exists("Photonotes/Old Title-42.md") {
		t.Fatal("expected stale file to be deleted")
	}
	data, err := fs.Read("Photonotes/Travel-42.md")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "# fresh" {
		t.Fatalf("expected replacement content, got %q", string(data))
	}
}

func TestMaterializeReplacesExactNameMatch(t *testing.T) {
	mdURL := "https://api.example/download?id=42"
	remote := &fakeRemote{files: map[string][]byte{mdURL: []byte("# v2")}}
	s, fs := newTestSyncer(t, remote, Options{})
	if err := fs.Write("Photonotes/Travel-42.md", []byte("# v1")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	err := s.Materialize(context.Background(), Item{URL: mdURL, Dest: "Photonotes/Travel-42.md", NeedAuth: true})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	data, _ := fs.Read("Photonotes/Travel-42.md")
	if string(data) != "# v2" {
		t.Fatalf("expected overwritten content, got %q", string(data))
	}
}

func TestMaterializeSkipsDraftSentinelWithoutMatch(t *testing.T) {
	mdURL := "https://api.example/download?id=42"
	remote := &fakeRemote{files: map[string][]byte{mdURL: []byte("# draft")}}
	s, fs := newTestSyncer(t, remote, Options{})

	err := s.Materialize(context.Background(), Item{URL: mdURL, Dest: "Photonotes/!-42.md", NeedAuth: true})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if remote.downloadCount(mdURL) != 0 {
		t.Fatal("expected no network request for an orphan draft sentinel")
	}
	if fs.Exists("Photonotes/!-42.md") {
		t.Fatal("expected no orphan file to be created")
	}
}

func TestMaterializeDraftSentinelUpdatesExistingDocument(t *testing.T) {
	mdURL := "https://api.example/download?id=42"
	remote := &fakeRemote{files: map[string][]byte{mdURL: []byte("# updated draft")}}
	s, fs := newTestSyncer(t, remote, Options{})
	if err := fs.Write("Photonotes/Travel-42.md", []byte("# old")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err := s.Materialize(context.Background(), Item{URL: mdURL, Dest: "Photonotes/!-42.md", NeedAuth: true})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	data, _ := fs.Read("Photonotes/Travel-42.md")
	if string(data) != "# updated draft" {
		t.Fatalf("expected sentinel to update the matched document, got %q", string(data))
	}
}
