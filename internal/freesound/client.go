// Package freesound is the HTTP client for the Freesound APIv2 endpoints the
// sync engine depends on: upload, search by tag, pending uploads, download,
// edit and the authenticated user.
package freesound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is the public APIv2 root.
	DefaultBaseURL = "https://freesound.org/apiv2"

	// HeaderRecordingID carries the local recording id of an upload so that
	// server-side logs can be correlated with the local store.
	HeaderRecordingID = "X-Recording-Id"

	// HeaderRequestID carries a unique id per HTTP request.
	HeaderRequestID = "X-Request-Id"

	searchFields   = "id,name,description,duration,tags,type,username,download,previews"
	searchPageSize = 150
	maxSearchPages = 20

	// maxRetryWait caps how long a single Retry-After hint is honoured.
	// Longer hints end the retry loop immediately.
	maxRetryWait = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// BaseURL is the APIv2 root (default: DefaultBaseURL)
	BaseURL string

	// HTTPClient performs requests; it is expected to add authorization
	// (see Authenticator.HTTPClient). Default: http.DefaultClient
	HTTPClient *http.Client

	// MaxRetries is how many times a 429 response is retried (default: 3)
	MaxRetries int

	// InitialBackoff is the first wait after a 429; it doubles per retry
	// (default: 2s)
	InitialBackoff time.Duration

	// Logger for client activity
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:        DefaultBaseURL,
		HTTPClient:     http.DefaultClient,
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		Logger:         log.New(os.Stderr, "[freesound] ", log.LstdFlags),
	}
}

// Client talks to the Freesound API.
type Client struct {
	baseURL        string
	http           *http.Client
	maxRetries     int
	initialBackoff time.Duration
	logger         *log.Logger
}

// NewClient creates a Client. Zero option fields take their defaults.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = def.HTTPClient
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           opts.HTTPClient,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		logger:         opts.Logger,
	}
}

// UploadSound uploads a new sound. correlationID, when non-empty, is sent as
// the X-Recording-Id header.
func (c *Client) UploadSound(ctx context.Context, req UploadRequest, correlationID string) (*UploadResponse, error) {
	if len(req.AudioFile) == 0 {
		return nil, fmt.Errorf("upload %q: audio file is empty", req.Name)
	}

	build := func(ctx context.Context) (*http.Request, error) {
		body, contentType, err := uploadBody(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sounds/upload/", body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		if correlationID != "" {
			httpReq.Header.Set(HeaderRecordingID, correlationID)
		}
		return httpReq, nil
	}

	data, err := c.do(ctx, "Upload", build)
	if err != nil {
		return nil, err
	}

	var resp UploadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if resp.ID == 0 {
		return nil, fmt.Errorf("upload response has no sound id: %s", strings.TrimSpace(string(data)))
	}
	return &resp, nil
}

func uploadBody(req UploadRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fileName := req.FileName
	if fileName == "" {
		fileName = "recording"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audiofile"; filename=%q`, fileName))
	if req.ContentType != "" {
		header.Set("Content-Type", req.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create audio part: %w", err)
	}
	if _, err := part.Write(req.AudioFile); err != nil {
		return nil, "", fmt.Errorf("failed to write audio part: %w", err)
	}

	fields := []struct{ key, value string }{
		{"name", req.Name},
		{"tags", strings.Join(req.Tags, " ")},
		{"description", req.Description},
		{"license", req.License},
		{"bst_category", req.BSTCategory},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// GetSoundsByTag returns every sound carrying tag, following result pages.
func (c *Client) GetSoundsByTag(ctx context.Context, tag string) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("query", "")
	q.Set("filter", "tag:"+tag)
	q.Set("fields", searchFields)
	q.Set("page_size", strconv.Itoa(searchPageSize))
	next := c.baseURL + "/search/text/?" + q.Encode()

	all := &SearchResponse{Results: []Sound{}}
	for page := 0; next != "" && page < maxSearchPages; page++ {
		data, err := c.get(ctx, "Search", next)
		if err != nil {
			return nil, err
		}
		var resp SearchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}
		all.Count = resp.Count
		all.Results = append(all.Results, resp.Results...)
		next = resp.Next
	}
	if next != "" {
		return nil, fmt.Errorf("search for tag %q has more than %d pages", tag, maxSearchPages)
	}
	return all, nil
}

// GetPendingUploads lists the user's sounds that are not yet public.
func (c *Client) GetPendingUploads(ctx context.Context) (*PendingUploads, error) {
	data, err := c.get(ctx, "Pending uploads", c.baseURL+"/sounds/pending_uploads/")
	if err != nil {
		return nil, err
	}
	var resp PendingUploads
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pending uploads: %w", err)
	}
	return &resp, nil
}

// DownloadSound fetches the original audio file of sound.
func (c *Client) DownloadSound(ctx context.Context, sound Sound) ([]byte, error) {
	target := sound.Download
	if target == "" {
		target = fmt.Sprintf("%s/sounds/%d/download/", c.baseURL, sound.ID)
	}
	return c.get(ctx, "Download", target)
}

// EditSound updates the name and description of an uploaded sound.
func (c *Client) EditSound(ctx context.Context, freesoundID int64, req EditRequest) error {
	form := url.Values{}
	form.Set("name", req.Name)
	form.Set("description", req.Description)
	target := fmt.Sprintf("%s/sounds/%d/edit/", c.baseURL, freesoundID)

	build := func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return httpReq, nil
	}
	_, err := c.do(ctx, "Edit", build)
	return err
}

// GetMe returns the authenticated user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	data, err := c.get(ctx, "Me", c.baseURL+"/me/")
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

func (c *Client) get(ctx context.Context, op, target string) ([]byte, error) {
	return c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

// do runs a request built by build, retrying HTTP 429 with exponential
// backoff. The request is rebuilt for every attempt.
func (c *Client) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	backoff := c.initialBackoff

	for attempt := 1; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s request: %w", strings.ToLower(op), err)
		}
		req.Header.Set(HeaderRequestID, uuid.NewString())
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", strings.ToLower(op), err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", strings.ToLower(op), err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if attempt > c.maxRetries || retryAfter > maxRetryWait {
				return nil, &RateLimitError{Op: op, Attempts: attempt, RetryAfter: retryAfter}
			}
			wait := backoff
			if retryAfter > 0 {
				wait = retryAfter
			}
			c.logger.Printf("%s rate limited (attempt %d/%d), retrying in %v", op, attempt, c.maxRetries+1, wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
