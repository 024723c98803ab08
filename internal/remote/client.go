package remote

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
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/koios/shotframe/internal/config"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

// ErrNoUploadID is returned when the upload endpoint accepts an image but
// answers without an id. The image reached the server, so it is not retried.
var ErrNoUploadID = errors.New("response has no uploadId")

// ProgressFunc receives the bytes written so far and the request size.
type ProgressFunc func(sent, total int64)

// Client talks to the image upload endpoint and the screenshot-set bundle API.
type Client struct {
	uploadBase string
	apiBase    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client from the remote configuration.
func NewClient(cfg config.RemoteConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		uploadBase: strings.TrimRight(strings.TrimSpace(cfg.UploadBaseURL), "/"),
		apiBase:    strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/"),
		token:      strings.TrimSpace(cfg.APIToken),
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// UploadImage posts an encoded image to image_upload and returns the upload id.
func (c *Client) UploadImage(ctx context.Context, filename string, payload []byte, progress ProgressFunc) (string, error) {
	if filename == "" {
		filename = "screenshot.jpg"
	}
	return c.upload(ctx, "image_upload", progress, func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("upload", filename)
		if err != nil {
			return err
		}
		_, err = part.Write(payload)
		return err
	})
}

// FetchImage asks the upload endpoint to fetch sourceURL itself.
func (c *Client) FetchImage(ctx context.Context, sourceURL string, progress ProgressFunc) (string, error) {
	return c.upload(ctx, "image_fetch", progress, func(w *multipart.Writer) error {
		return w.WriteField("fullsize_url", sourceURL)
	})
}

func (c *Client) upload(ctx context.Context, path string, progress ProgressFunc, write func(*multipart.Writer) error) (string, error) {
	op := "upload " + path

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := write(mw); err != nil {
		return "", fmt.Errorf("%s: build form: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: build form: %w", op, err)
	}

	size := int64(body.Len())
	var reader io.Reader = &body
	if progress != nil {
		reader = &progressReader{r: &body, total: size, fn: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBase+"/"+path, reader)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Debug("Uploading image",
		zap.String("endpoint", path),
		zap.String("size", humanize.Bytes(uint64(size))))

	var parsed struct {
		UploadID json.RawMessage `json:"uploadId"`
	}
	if err := c.do(req, op, &parsed); err != nil {
		return "", err
	}

	if isNull(parsed.UploadID) {
		return "", fmt.Errorf("%s: %w", op, ErrNoUploadID)
	}
	id, err := parseID(parsed.UploadID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// CreateBundle asks the API to assemble the given uploads into an archive.
func (c *Client) CreateBundle(ctx context.Context, setID string, hq bool, entries []models.BundleEntry) (string, error) {
	op := "create bundle"

	form := url.Values{}
	if hq {
		form.Set("hq", "1")
	} else {
		form.Set("hq", "0")
	}
	for _, e := range entries {
		form.Add("upload_id", e.UploadID)
		form.Add("upload_name", e.Filename)
	}

	endpoint := fmt.Sprintf("%s/screenshot_sets/%s/create_bundle", c.apiBase, url.PathEscape(setID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var parsed struct {
		BundleID json.RawMessage `json:"bundleId"`
	}
	if err := c.do(req, op, &parsed); err != nil {
		return "", err
	}
	id, err := parseID(parsed.BundleID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// BundleStatus reports the state of a bundle job.
func (c *Client) BundleStatus(ctx context.Context, bundleID string) (models.BundleStatus, error) {
	op := "bundle status"

	endpoint := fmt.Sprintf("%s/screenshot_sets/bundle_status/%s", c.apiBase, url.PathEscape(bundleID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := c.do(req, op, &parsed); err != nil {
		return "", err
	}
	return models.ParseBundleStatus(parsed.Status), nil
}

// DownloadURL exchanges a ready bundle and an access token for the archive URL.
func (c *Client) DownloadURL(ctx context.Context, setID, bundleID, token string) (string, error) {
	op := "download url"

	q := url.Values{}
	q.Set("bundle_id", bundleID)
	q.Set("token", token)
	endpoint := fmt.Sprintf("%s/screenshot_sets/%s/download?%s", c.apiBase, url.PathEscape(setID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var parsed struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := c.do(req, op, &parsed); err != nil {
		return "", err
	}
	if parsed.DownloadURL == "" {
		return "", fmt.Errorf("%s: response has no downloadUrl", op)
	}
	return parsed.DownloadURL, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// parseID accepts ids encoded as JSON strings or numbers.
func parseID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", errors.New("response has no id")
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		if s == "" {
			return "", errors.New("response has an empty id")
		}
		return s, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid id %s: %w", raw, err)
	}
	return strconv.FormatInt(n, 10), nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
