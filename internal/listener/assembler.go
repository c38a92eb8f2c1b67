package listener

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/photonotes/notesync/internal/serial"
	"github.com/photonotes/notesync/internal/store"
)

// ContentPayload is one streamed chunk of a note's generated text. The
// service re-sends the full accumulated content each time, so every
// payload can be applied on its own; only the latest matters.
type ContentPayload struct {
	Content    string `json:"content"`
	NoteID     int64  `json:"note_id"`
	NotebookID int64  `json:"notebook_id"`
	Version    int64  `json:"version"`
	End        bool   `json:"end"`
}

// noteBuffer is the per-note assembly state: where the rendered block
// lands and the template it is spliced into. The template is fetched at
// most once per note.
type noteBuffer struct {
	notebookID int64
	imageName  string
	imagePath  string
	template   string
	file       string
}

// Assembler splices streamed note content into the owning notebook
// document. Each payload re-renders the cached template with the
// placeholder token replaced and overwrites the whole file, so
// applications are idempotent and last-write-wins. Work is keyed by note
// id through a serializing processor so rapid chunks for the same note
// never race on the file.
type Assembler struct {
	remote   Remote
	files    store.Store
	syncPath string
	logger   *slog.Logger

	proc *serial.Processor[int64, ContentPayload]

	mu      sync.Mutex
	buffers map[int64]*noteBuffer
}

// NewAssembler builds an assembler writing under syncPath.
func NewAssembler(remote Remote, files store.Store, syncPath string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		remote:   remote,
		files:    files,
		syncPath: syncPath,
		logger:   logger,
		buffers:  map[int64]*noteBuffer{},
	}
	a.proc = serial.New(a.apply, logger)
	return a
}

// Register creates the assembly buffer for a freshly created note, before
// any content arrives. The image fields feed the rendered block.
func (a *Assembler) Register(noteID, notebookID int64, imageName, imagePath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers[noteID] = &noteBuffer{
		notebookID: notebookID,
		imageName:  imageName,
		imagePath:  imagePath,
	}
}

// Submit hands a content payload to the note's slot. Payloads arriving
// while the note is busy coalesce down to the most recent one.
func (a *Assembler) Submit(ctx context.Context, payload ContentPayload) {
	a.proc.Submit(ctx, payload.NoteID, payload)
}

// Wait blocks until all in-flight assembly has drained.
func (a *Assembler) Wait() {
	a.proc.Wait()
}

func (a *Assembler) apply(ctx context.Context, noteID int64, p ContentPayload) error {
	buf := a.buffer(noteID, p.NotebookID)
	if buf == nil {
		return nil
	}
	if buf.file == "" {
		name, err := a.files.FindBySuffix(a.syncPath, fmt.Sprintf("-%d.md", buf.notebookID))
		if err != nil {
			return err
		}
		if name == "" {
			// Owning document not materialized yet; nothing to splice into.
			a.logger.Debug("assembly skipped, document missing",
				slog.Int64("note_id", noteID),
				slog.Int64("notebook_id", buf.notebookID))
			return nil
		}
		buf.file = name
	}
	if buf.template == "" {
		data, err := a.remote.Download(ctx, a.remote.NotebookDownloadURL(buf.notebookID, noteID), true)
		if err != nil {
			return fmt.Errorf("fetch template for note %d: %w", noteID, err)
		}
		buf.template = string(data)
	}

	placeholder := fmt.Sprintf("<!-- place-holder-note-%d -->", noteID)
	rendered := strings.ReplaceAll(buf.template, placeholder, renderBlock(buf, p.Content))
	if err := a.files.Write(path.Join(a.syncPath, buf.file), []byte(rendered)); err != nil {
		return err
	}
	if p.End {
		a.evict(noteID)
	}
	return nil
}

// buffer returns the note's assembly state, creating it from the
// payload's notebook id when the creation event was never observed.
func (a *Assembler) buffer(noteID, notebookID int64) *noteBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[noteID]; ok {
		return buf
	}
	if notebookID == 0 {
		return nil
	}
	buf := &noteBuffer{notebookID: notebookID}
	a.buffers[noteID] = buf
	return buf
}

func (a *Assembler) evict(noteID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, noteID)
}

func renderBlock(buf *noteBuffer, content string) string {
	var b strings.Builder
	if buf.imageName != "" {
		fmt.Fprintf(&b, "![%s](%s)\n\n", buf.imageName, buf.imagePath)
	}
	b.WriteString(content)
	return b.String()
}
