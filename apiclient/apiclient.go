// Package apiclient is the HTTP client for the certificate repository API.
// It implements certrepo.Repository so the client workflow and the signing
// orchestrator work the same against a remote server or an in-process
// service.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"

	"github.com/jmcleod/pkidesk/api"
	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/certrepo"
)

const (
	apiPrefix       = "/api/v1"
	defaultPageSize = 100
	defaultTimeout  = 30 * time.Second
)

// Client talks to a pkidesk server.
type Client struct {
	baseURL  string
	http     *http.Client
	caHTTP   *http.Client
	pageSize int
}

var _ certrepo.Repository = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for every request except the CA
// certificate fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithCacheDir caches the CA certificate response on disk in dir. Without
// it the response is cached in memory for the life of the Client.
func WithCacheDir(dir string) Option {
	return func(cl *Client) {
		if dir != "" {
			cl.caHTTP = newCachingHTTPClient(httpcache.Cache(diskcache.New(dir)), cl.http)
		}
	}
}

// WithPageSize sets how many names are requested per list page.
func WithPageSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.pageSize = n
		}
	}
}

// New returns a Client for the server at baseURL (scheme and host, with an
// optional path prefix).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, certerr.ErrInvalid)
	}
	c := &Client{
		baseURL:  strings.TrimRight(u.String(), "/") + apiPrefix,
		http:     &http.Client{Timeout: defaultTimeout},
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.caHTTP == nil {
		c.caHTTP = newCachingHTTPClient(httpcache.NewMemoryCache(), c.http)
	}
	return c, nil
}

// newCachingHTTPClient wraps base's transport in an HTTP cache honoring
// Cache-Control.
func newCachingHTTPClient(cache httpcache.Cache, base *http.Client) *http.Client {
	t := httpcache.NewTransport(cache)
	if base != nil && base.Transport != nil {
		t.Transport = base.Transport
	}
	timeout := defaultTimeout
	if base != nil && base.Timeout > 0 {
		timeout = base.Timeout
	}
	return &http.Client{Transport: t, Timeout: timeout}
}

func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, certerr.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w: %w", op, certerr.ErrTransport, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", op, responseError(resp.StatusCode, data))
}

// responseError maps an error response back into the certerr taxonomy.
// Server failures and throttling are transport errors, which callers may
// retry.
func responseError(status int, body []byte) error {
	var er api.ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	if status == http.StatusServiceUnavailable && er.Kind == certerr.KindUnavailable {
		return fmt.Errorf("%w: %s", certerr.ErrUnavailable, msg)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: server returned %d: %s", certerr.ErrTransport, status, msg)
	}
	if kind := certerr.FromKind(er.Kind); kind != nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", certerr.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", certerr.ErrConflict, msg)
	default:
		return fmt.Errorf("%w: server returned %d: %s", certerr.ErrInvalid, status, msg)
	}
}

func (c *Client) listAll(ctx context.Context, op, path string) ([]string, error) {
	names := []string{}
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))

		data, err := c.do(ctx, c.http, op, http.MethodGet, path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var page api.NameListResponse
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("%s: decoding page: %w: %w", op, certerr.ErrTransport, err)
		}
		names = append(names, page.Names...)
		if !page.HasMore || len(page.Names) == 0 {
			return names, nil
		}
		offset += len(page.Names)
	}
}

func (c *Client) ListPendingCSRs(ctx context.Context) ([]string, error) {
	return c.listAll(ctx, "list CSRs", "/csr")
}

func (c *Client) ListCertificates(ctx context.Context) ([]string, error) {
	return c.listAll(ctx, "list certificates", "/cert")
}

func (c *Client) GetCSR(ctx context.Context, name string) ([]byte, error) {
	return c.do(ctx, c.http, "get CSR "+name, http.MethodGet, "/csr/"+url.PathEscape(name), nil)
}

func (c *Client) GetCertificate(ctx context.Context, name string) ([]byte, error) {
	return c.do(ctx, c.http, "get certificate "+name, http.MethodGet, "/cert/"+url.PathEscape(name), nil)
}

func (c *Client) SubmitCSR(ctx context.Context, name string, csrDER []byte) error {
	_, err := c.do(ctx, c.http, "submit CSR "+name, http.MethodPost, "/csr/"+url.PathEscape(name), csrDER)
	return err
}

func (c *Client) PublishCertificate(ctx context.Context, name string, certDER []byte) error {
	_, err := c.do(ctx, c.http, "publish certificate "+name, http.MethodPost, "/cert/"+url.PathEscape(name), certDER)
	return err
}

// CACertificate fetches the CA certificate through the caching client.
func (c *Client) CACertificate(ctx context.Context) ([]byte, error) {
	return c.do(ctx, c.caHTTP, "CA certificate", http.MethodGet, "/ca", nil)
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, c.http, "health", http.MethodGet, "/health", nil)
	return err
}
