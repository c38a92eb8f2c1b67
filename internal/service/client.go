// Package service is the HTTP client for the remote notebook service.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// ErrUnauthorized marks a missing or rejected access credential. Callers
// must not retry; the user has to re-authenticate.
var ErrUnauthorized = errors.New("access credential rejected")

// HTTPError carries a non-2xx response the service returned.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d: something went wrong", e.StatusCode)
}

// Manifest is the server-provided snapshot of everything changed since a
// checkpoint timestamp.
type Manifest struct {
	LastUpdated int64    `json:"lastUpdated"`
	FileList    FileList `json:"fileList"`
}

type FileList struct {
	Assets    []string        `json:"assets"`
	Markdowns []MarkdownEntry `json:"markdowns"`
}

type MarkdownEntry struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type Options struct {
	BaseURL string
	// StorageBaseURL serves public note images. Defaults to BaseURL.
	StorageBaseURL string
	AccessToken    string
	HTTPClient     *http.Client
	// DownloadsPerSecond throttles raw asset fetches. Zero disables the limiter.
	DownloadsPerSecond float64
}

type Client struct {
	baseURL        string
	storageBaseURL string
	accessToken    string
	httpClient     *http.Client
	limiter        *rate.Limiter
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://photonotes.io"
	}
	storageBaseURL := strings.TrimRight(strings.TrimSpace(opts.StorageBaseURL), "/")
	if storageBaseURL == "" {
		storageBaseURL = baseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.DownloadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DownloadsPerSecond), 1)
	}
	return &Client{
		baseURL:        baseURL,
		storageBaseURL: storageBaseURL,
		accessToken:    strings.TrimSpace(opts.AccessToken),
		httpClient:     httpClient,
		limiter:        limiter,
	}
}

// Manifest fetches the list of assets and documents changed since the
// given epoch-millisecond timestamp. Zero means everything.
func (c *Client) Manifest(ctx context.Context, since int64) (Manifest, error) {
	var out Manifest
	err := c.getJSON(ctx, fmt.Sprintf("/api/plugin/list?timestamp=%d", since), &out)
	return out, err
}

// RealtimeToken exchanges the access credential for a realtime-channel
// auth token.
func (c *Client) RealtimeToken(ctx context.Context) (string, error) {
	return c.getText(ctx, "/api/plugin/auth")
}

// NotebookDownloadURL returns the rendered-document endpoint for a
// notebook. A non-zero templateNoteID scopes the document to a single
// note's template.
func (c *Client) NotebookDownloadURL(notebookID int64, templateNoteID int64) string {
	u := fmt.Sprintf("%s/api/plugin/download?id=%d", c.baseURL, notebookID)
	if templateNoteID != 0 {
		u += fmt.Sprintf("&note_id=%d", templateNoteID)
	}
	return u
}

// ImagePublicURL resolves the public URL for a note image stored under
// the images bucket.
func (c *Client) ImagePublicURL(path string) string {
	escaped := url.PathEscape(strings.TrimPrefix(path, "/"))
	// PathEscape keeps the bucket-relative slashes readable.
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return fmt.Sprintf("%s/storage/v1/object/public/images/%s", c.storageBaseURL, escaped)
}

// Download fetches an arbitrary URL, attaching the access credential when
// withAuth is set. Subject to the client's download rate limit.
func (c *Client) Download(ctx context.Context, rawURL string, withAuth bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if withAuth {
		req.Header.Set("access-key", c.accessToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// MakeNote posts an image to the note generation endpoint and streams the
// response body to onChunk as UTF-8 text arrives.
func (c *Client) MakeNote(ctx context.Context, filename string, image io.Reader, onChunk func(string)) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, image); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/plugin/make_note", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("access-key", c.accessToken)
	req.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && onChunk != nil {
			onChunk(string(buf[:n]))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func (c *Client) getJSON(ctx context.Context, requestPath string, out any) error {
	payload, err := c.get(ctx, requestPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("unexpected response from %s: %w", requestPath, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, requestPath string) (string, error) {
	payload, err := c.get(ctx, requestPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(payload)), nil
}

func (c *Client) get(ctx context.Context, requestPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("access-key", c.accessToken)
	req.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (http %d)", ErrUnauthorized, resp.StatusCode)
	}
	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Message}
}

func correlationID() string {
	return "sync_" + ulid.Make().String()
}
