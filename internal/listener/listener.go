// Package listener is the control plane of live sync: it holds the
// change-feed subscription, routes row-level events into per-key
// serialized downloads, and triggers a catch-up reconciliation whenever
// the subscription (re)establishes with a checkpoint already on disk.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/photonotes/notesync/internal/realtime"
	"github.com/photonotes/notesync/internal/retry"
	"github.com/photonotes/notesync/internal/serial"
	"github.com/photonotes/notesync/internal/settings"
	"github.com/photonotes/notesync/internal/store"
	"github.com/photonotes/notesync/internal/syncer"
)

// localOrigin tags change-feed rows this client wrote itself. Events
// carrying it are dropped so our own writes do not bounce back as
// re-downloads.
const localOrigin = "plugin"

// broadcastNoteContent is the broadcast event carrying streamed note
// text.
const broadcastNoteContent = "note-content"

// Remote is the slice of the service client the listener and assembler
// need.
type Remote interface {
	RealtimeToken(ctx context.Context) (string, error)
	NotebookDownloadURL(notebookID, templateNoteID int64) string
	ImagePublicURL(path string) string
	Download(ctx context.Context, url string, withAuth bool) ([]byte, error)
}

// Reconciler runs the bulk catch-up pass and materializes single
// documents.
type Reconciler interface {
	Sync(ctx context.Context, since int64) (settings.Checkpoint, error)
	Materialize(ctx context.Context, item syncer.Item) error
	SyncPath() string
}

// Feed is the owned subscription handle. Production uses realtime.Conn;
// tests inject a fake.
type Feed interface {
	Status() realtime.Status
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens a Feed. The listener fills in the event handlers before
// calling it.
type DialFunc func(ctx context.Context, opts realtime.Options) (Feed, error)

type Options struct {
	// RealtimeURL is the websocket endpoint of the change feed.
	RealtimeURL string
	APIKey      string

	// ImageTimeout bounds each direct note-image download. Distinct from
	// the retry wait used during reconciliation.
	ImageTimeout  time.Duration
	RetryAttempts int
	RetryWait     time.Duration

	// Dial overrides how the feed is opened.
	Dial   DialFunc
	Logger *slog.Logger

	// OnStatus observes feed state transitions, after the listener has
	// recorded them.
	OnStatus func(status realtime.Status)
}

// notebookJob is one serialized re-download of a notebook document.
// Title may be empty when the event does not carry one; the draft
// sentinel name then resolves the existing file by id suffix.
type notebookJob struct {
	title     string
	updatedAt int64
}

// Listener owns one subscription at a time. It does not self-heal: when
// the feed reports anything other than SUBSCRIBED the supervisor stops
// it and starts a fresh one.
type Listener struct {
	remote     Remote
	reconciler Reconciler
	files      store.Store
	state      *settings.File
	assembler  *Assembler
	opts       Options
	logger     *slog.Logger

	notebooks *serial.Processor[int64, notebookJob]

	mu         sync.Mutex
	feed       Feed
	lastStatus realtime.Status

	refetchMu sync.Mutex
}

func New(remote Remote, reconciler Reconciler, files store.Store, state *settings.File, opts Options) (*Listener, error) {
	if remote == nil || reconciler == nil || files == nil || state == nil {
		return nil, fmt.Errorf("listener: remote, reconciler, store and settings are required")
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 5 * time.Second
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
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, ro realtime.Options) (Feed, error) {
			return realtime.Dial(ctx, ro)
		}
	}
	l := &Listener{
		remote:     remote,
		reconciler: reconciler,
		files:      files,
		state:      state,
		assembler:  NewAssembler(remote, files, reconciler.SyncPath(), opts.Logger),
		opts:       opts,
		logger:     opts.Logger,
		lastStatus: realtime.StatusClosed,
	}
	l.notebooks = serial.New(l.processNotebook, opts.Logger)
	return l, nil
}

// Start exchanges the access credential for a channel token and opens
// the subscription. It returns once the feed is dialed; SUBSCRIBED
// arrives asynchronously through the status route.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.feed != nil {
		l.mu.Unlock()
		return fmt.Errorf("listener: already started")
	}
	l.mu.Unlock()

	token, err := l.remote.RealtimeToken(ctx)
	if err != nil {
		return fmt.Errorf("listener: channel auth: %w", err)
	}
	feed, err := l.opts.Dial(ctx, realtime.Options{
		URL:         l.opts.RealtimeURL,
		APIKey:      l.opts.APIKey,
		AccessToken: token,
		OnChange:    l.handleChange,
		OnBroadcast: l.handleBroadcast,
		OnStatus:    l.handleStatus,
		Logger:      l.logger,
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.feed = feed
	l.mu.Unlock()
	return nil
}

// Stop severs the subscription. Work already dispatched to the
// serializing slots runs to completion.
func (l *Listener) Stop() error {
	l.mu.Lock()
	feed := l.feed
	l.feed = nil
	l.mu.Unlock()
	if feed == nil {
		return nil
	}
	return feed.Close()
}

// LastStatus reports the most recent feed state observed. The health
// supervisor polls this and replaces the listener on anything other
// than SUBSCRIBED.
func (l *Listener) LastStatus() realtime.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStatus
}

// Done exposes the active feed's termination channel, or nil when the
// listener is stopped.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feed == nil {
		return nil
	}
	return l.feed.Done()
}

// Drain blocks until all serialized work dispatched so far settles.
func (l *Listener) Drain() {
	l.notebooks.Wait()
	l.assembler.Wait()
}

// StartRefetch runs a full reconciliation from the persisted checkpoint
// and saves the advanced one. Concurrent calls collapse onto the same
// lock so overlapping reconnects cannot run two passes at once.
func (l *Listener) StartRefetch(ctx context.Context) error {
	l.refetchMu.Lock()
	defer l.refetchMu.Unlock()
	cp, err := l.state.LoadCheckpoint()
	if err != nil {
		return err
	}
	next, err := l.reconciler.Sync(ctx, cp.SyncTimestamp)
	if err != nil {
		return err
	}
	return l.state.SaveCheckpoint(next)
}

func (l *Listener) handleStatus(status realtime.Status) {
	l.mu.Lock()
	l.lastStatus = status
	l.mu.Unlock()
	l.logger.Debug("feed status", slog.String("status", string(status)))
	if l.opts.OnStatus != nil {
		l.opts.OnStatus(status)
	}
	if status != realtime.StatusSubscribed {
		return
	}
	cp, err := l.state.LoadCheckpoint()
	if err != nil || cp.SyncTimestamp == 0 {
		return
	}
	// Catch up on anything missed while disconnected; the feed has no
	// replay.
	go func() {
		if err := l.StartRefetch(context.Background()); err != nil {
			l.logger.Warn("catch-up sync failed", slog.String("error", err.Error()))
		}
	}()
}

type notebookRecord struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt eventTime `json:"updated_at"`
	DeletedAt *string   `json:"deleted_at"`
	Source    string    `json:"source"`
}

type noteRecord struct {
	ID          int64     `json:"id"`
	NotebookID  int64     `json:"notebook_id"`
	GeneratedAt eventTime `json:"generated_at"`
	Source      string    `json:"source"`
	Image       *struct {
		Path string `json:"path"`
		Name string `json:"name"`
	} `json:"image"`
}

func (l *Listener) handleChange(ev realtime.ChangeEvent) {
	switch ev.Table {
	case "notebooks":
		l.handleNotebook(ev)
	case "notes":
		l.handleNote(ev)
	}
}

func (l *Listener) handleNotebook(ev realtime.ChangeEvent) {
	var record notebookRecord
	if err := json.Unmarshal(ev.Record, &record); err != nil {
		l.logger.Warn("bad notebook event", slog.String("error", err.Error()))
		return
	}
	if record.Source == localOrigin {
		return
	}
	switch ev.Type {
	case realtime.ChangeInsert:
		// A new notebook is empty; the first update brings content.
	case realtime.ChangeUpdate:
		if record.DeletedAt != nil && *record.DeletedAt != "" {
			l.removeNotebook(record.ID)
			return
		}
		l.notebooks.Submit(context.Background(), record.ID, notebookJob{
			title:     record.Title,
			updatedAt: int64(record.UpdatedAt),
		})
	}
}

func (l *Listener) handleNote(ev realtime.ChangeEvent) {
	var record noteRecord
	if err := json.Unmarshal(ev.Record, &record); err != nil {
		l.logger.Warn("bad note event", slog.String("error", err.Error()))
		return
	}
	if record.Source == localOrigin {
		return
	}
	switch ev.Type {
	case realtime.ChangeInsert:
		// Content is still being generated; only the image lands now.
		if record.Image == nil || record.Image.Path == "" {
			return
		}
		filename := path.Base(record.Image.Path)
		imagePath := path.Join(syncer.ImagesDir, filename)
		if err := l.downloadImage(l.remote.ImagePublicURL(record.Image.Path), imagePath); err != nil {
			l.logger.Warn("note image download failed",
				slog.Int64("note_id", record.ID),
				slog.String("error", err.Error()))
		}
		l.assembler.Register(record.ID, record.NotebookID, record.Image.Name, imagePath)
		l.assembler.Submit(context.Background(), ContentPayload{
			NoteID:     record.ID,
			NotebookID: record.NotebookID,
		})
	case realtime.ChangeUpdate:
		// Completion of a note means the owning notebook document
		// changed; same re-download path as a notebook update.
		l.notebooks.Submit(context.Background(), record.NotebookID, notebookJob{
			updatedAt: int64(record.GeneratedAt),
		})
	}
}

func (l *Listener) handleBroadcast(ev realtime.BroadcastEvent) {
	if ev.Event != broadcastNoteContent {
		return
	}
	var payload ContentPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		l.logger.Warn("bad content broadcast", slog.String("error", err.Error()))
		return
	}
	l.assembler.Submit(context.Background(), payload)
}

// removeNotebook deletes the local document for a soft-deleted notebook.
// A missing file is benign.
func (l *Listener) removeNotebook(notebookID int64) {
	dir := l.reconciler.SyncPath()
	name, err := l.files.FindBySuffix(dir, fmt.Sprintf("-%d.md", notebookID))
	if err != nil || name == "" {
		return
	}
	if err := l.files.Delete(path.Join(dir, name)); err != nil {
		l.logger.Warn("delete notebook file failed",
			slog.Int64("notebook_id", notebookID),
			slog.String("error", err.Error()))
	}
}

// processNotebook re-materializes one notebook document and advances the
// checkpoint to the event's timestamp. Runs under the per-notebook slot,
// so bursts coalesce to the latest job.
func (l *Listener) processNotebook(ctx context.Context, notebookID int64, job notebookJob) error {
	name := fmt.Sprintf("%s-%d.md", job.title, notebookID)
	if job.title == "" {
		// No title on the event; the sentinel name resolves the existing
		// file by id suffix and skips when none exists yet.
		name = syncer.DraftSentinelPrefix + strconv.FormatInt(notebookID, 10) + ".md"
	}
	item := syncer.Item{
		URL:      l.remote.NotebookDownloadURL(notebookID, 0),
		Dest:     path.Join(l.reconciler.SyncPath(), name),
		NeedAuth: true,
	}
	err := retry.Do(ctx, func(ctx context.Context) error {
		return l.reconciler.Materialize(ctx, item)
	}, retry.Options{MaxAttempts: l.opts.RetryAttempts, Wait: l.opts.RetryWait})
	if err != nil {
		return fmt.Errorf("materialize notebook %d: %w", notebookID, err)
	}
	if job.updatedAt > 0 {
		return l.state.SaveCheckpoint(settings.Checkpoint{
			LastSyncedTime: time.Now().UnixMilli(),
			SyncTimestamp:  job.updatedAt,
		})
	}
	return nil
}

// downloadImage fetches a note image directly, outside the bulk queue.
// Images are content-addressed by filename, so an existing file short
// circuits without a request.
func (l *Listener) downloadImage(url, imagePath string) error {
	dest := path.Join(l.reconciler.SyncPath(), imagePath)
	if l.files.Exists(dest) {
		return nil
	}
	return retry.Do(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.opts.ImageTimeout)
		defer cancel()
		data, err := l.remote.Download(ctx, url, false)
		if err != nil {
			return err
		}
		return l.files.Write(dest, data)
	}, retry.Options{MaxAttempts: l.opts.RetryAttempts, Wait: l.opts.RetryWait})
}

// eventTime accepts both epoch milliseconds and RFC 3339 strings; the
// feed serializes row timestamps as strings while checkpoints use
// milliseconds.
type eventTime int64

func (t *eventTime) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" || text == `""` {
		*t = 0
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		// Zoneless layouts cover row timestamps rendered without an
		// offset; those are taken as UTC.
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				*t = eventTime(parsed.UnixMilli())
				return nil
			}
		}
		return fmt.Errorf("parse event time %q", raw)
	}
	millis, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("parse event time %q: %w", text, err)
	}
	*t = eventTime(millis)
	return nil
}
