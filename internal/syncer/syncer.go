// Package syncer reconciles the local document store against the remote
// manifest: it diffs what the service reports changed since a checkpoint
// and downloads the locally missing subset.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/photonotes/notesync/internal/pool"
	"github.com/photonotes/notesync/internal/retry"
	"github.com/photonotes/notesync/internal/service"
	"github.com/photonotes/notesync/internal/settings"
	"github.com/photonotes/notesync/internal/store"
)

// ImagesDir is the subfolder of the sync root that note images land in.
const ImagesDir = "images"

// RemoteClient is the slice of the service client the reconciler needs.
type RemoteClient interface {
	Manifest(ctx context.Context, since int64) (service.Manifest, error)
	Download(ctx context.Context, url string, withAuth bool) ([]byte, error)
}

// Item is one unit of download work. Immutable once constructed.
type Item struct {
	URL      string
	Dest     string
	NeedAuth bool
}

type Options struct {
	// SyncPath is the destination folder, relative to the store root.
	SyncPath      string
	Concurrency   int
	RetryAttempts int
	RetryWait     time.Duration
	Logger        *slog.Logger
	// OnReport receives human-readable progress strings.
	OnReport func(info string)
	// now is swappable in tests.
	now func() time.Time
}

type Syncer struct {
	client   RemoteClient
	files    store.Store
	syncPath string
	opts     Options
}

func New(client RemoteClient, files store.Store, opts Options) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("syncer: client is required")
	}
	if files == nil {
		return nil, fmt.Errorf("syncer: store is required")
	}
	syncPath := strings.Trim(strings.TrimSpace(opts.SyncPath), "/")
	if syncPath == "" {
		syncPath = settings.DefaultSyncPath
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Syncer{
		client:   client,
		files:    files,
		syncPath: syncPath,
		opts:     opts,
	}, nil
}

// SyncPath returns the destination folder relative to the store root.
func (s *Syncer) SyncPath() string {
	return s.syncPath
}

// Sync runs one reconciliation pass. Assets already present locally are
// skipped without a network request; documents are always re-fetched
// because the remote version wins. Individual download failures are
// counted, reported, and do not block the checkpoint from advancing.
func (s *Syncer) Sync(ctx context.Context, since int64) (settings.Checkpoint, error) {
	s.report("Fetching data...")
	if err := s.files.EnsureDir(s.syncPath); err != nil {
		return settings.Checkpoint{}, err
	}
	if err := s.files.EnsureDir(path.Join(s.syncPath, ImagesDir)); err != nil {
		return settings.Checkpoint{}, err
	}

	manifest, err := s.client.Manifest(ctx, since)
	if err != nil {
		return settings.Checkpoint{}, fmt.Errorf("fetch manifest: %w", err)
	}

	items := s.buildDownloadList(manifest)
	total := len(items)
	s.report(fmt.Sprintf("Downloading... 0/%d", total))

	finished := 0
	progress := make(chan struct{}, total)
	tasks := make([]pool.Task, 0, total)
	for _, item := range items {
		item := item
		tasks = append(tasks, func(ctx context.Context) error {
			err := retry.Do(ctx, func(ctx context.Context) error {
				return s.Materialize(ctx, item)
			}, retry.Options{MaxAttempts: s.opts.RetryAttempts, Wait: s.opts.RetryWait})
			progress <- struct{}{}
			return err
		})
	}
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		for range progress {
			finished++
			s.report(fmt.Sprintf("Downloading... %d/%d", finished, total))
		}
	}()
	result := pool.Run(ctx, tasks, s.opts.Concurrency)
	close(progress)
	<-reporterDone

	if result.Failed > 0 {
		s.report(fmt.Sprintf("Sync Completed with %d failed downloads", result.Failed))
		s.opts.Logger.Warn("sync completed with failures",
			slog.Int("total", result.Total),
			slog.Int("failed", result.Failed))
	} else {
		s.report("Sync Completed")
	}

	return settings.Checkpoint{
		LastSyncedTime: s.opts.now().UnixMilli(),
		SyncTimestamp:  manifest.LastUpdated,
	}, nil
}

// buildDownloadList computes the local-missing subset of the manifest.
// Assets are content-addressed by filename and assumed immutable, so an
// existing destination excludes the asset up front. Documents are always
// enqueued with the credential attached.
func (s *Syncer) buildDownloadList(manifest service.Manifest) []Item {
	items := make([]Item, 0, len(manifest.FileList.Assets)+len(manifest.FileList.Markdowns))
	for _, assetURL := range manifest.FileList.Assets {
		dest := path.Join(s.syncPath, ImagesDir, urlFilename(assetURL))
		if s.files.Exists(dest) {
			continue
		}
		items = append(items, Item{URL: assetURL, Dest: dest})
	}
	for _, md := range manifest.FileList.Markdowns {
		items = append(items, Item{
			URL:      md.URL,
			Dest:     path.Join(s.syncPath, md.Name),
			NeedAuth: true,
		})
	}
	return items
}

// Materialize downloads one item and lands it in the store. Documents are
// resolved against the "-{id}.md" suffix convention: an exact-name or
// draft-sentinel match is overwritten in place, a mismatched match is
// deleted before the new name is written, and a draft-sentinel
// destination with no existing match is skipped entirely to avoid
// creating an orphan. Plain assets are existence-checked only and never
// overwritten.
func (s *Syncer) Materialize(ctx context.Context, item Item) error {
	if !strings.HasSuffix(item.Dest, ".md") {
		if s.files.Exists(item.Dest) {
			return nil
		}
		data, err := s.client.Download(ctx, item.URL, item.NeedAuth)
		if err != nil {
			return err
		}
		return s.files.Write(item.Dest, data)
	}

	dir := path.Dir(item.Dest)
	filename := path.Base(item.Dest)
	ending := idSuffix(filename)
	if ending == "" {
		data, err := s.client.Download(ctx, item.URL, item.NeedAuth)
		if err != nil {
			return err
		}
		return s.files.Write(item.Dest, data)
	}
	sentinel := DraftSentinelPrefix + ending

	existing, err := s.files.FindBySuffix(dir, "-"+ending)
	if err != nil {
		return err
	}
	if existing == "" && filename == sentinel {
		// Draft placeholder with nothing to update; writing it would
		// orphan a file the service never named.
		return nil
	}

	data, err := s.client.Download(ctx, item.URL, item.NeedAuth)
	if err != nil {
		return err
	}
	if existing != "" {
		if existing == filename || filename == sentinel {
			return s.files.Write(path.Join(dir, existing), data)
		}
		if err := s.files.Delete(path.Join(dir, existing)); err != nil {
			return err
		}
	}
	return s.files.Write(item.Dest, data)
}

// DraftSentinelPrefix marks a document name the service has not resolved
// to a real title yet.
const DraftSentinelPrefix = "!-"

// idSuffix extracts the "{id}.md" tail of a document filename, or ""
// when the name does not follow the "-{id}.md" convention.
func idSuffix(filename string) string {
	idx := strings.LastIndex(filename, "-")
	if idx < 0 {
		return ""
	}
	return filename[idx+1:]
}

func urlFilename(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		return path.Base(parsed.Path)
	}
	return path.Base(rawURL)
}

func (s *Syncer) report(info string) {
	if s.opts.OnReport != nil {
		s.opts.OnReport(info)
	}
}
