package httpstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/vfaronov/httpheader"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	maxErrorBody        = 64 << 10
)

type Options struct {
	// BaseURL is the server root, e.g. https://store.example.com.
	BaseURL string
	// HTTP3 switches the transport to QUIC. The server must speak h3.
	HTTP3     bool
	TLSConfig *tls.Config
	// Client overrides the transport entirely; used by tests.
	Client *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
	h3   *http3.Transport
}

var _ backend.Backend = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base url: %v", types.ErrInvalidArgument, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", types.ErrInvalidArgument, base.Scheme)
	}
	c := &Client{base: base}

	switch {
	case opts.Client != nil:
		c.http = opts.Client
	case opts.HTTP3:
		if base.Scheme != "https" {
			return nil, fmt.Errorf("%w: http3 requires https", types.ErrInvalidArgument)
		}
		tlsConf := opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{"h3"}
		c.h3 = &http3.Transport{
			TLSClientConfig: tlsConf,
			QUICConfig: &quic.Config{
				HandshakeIdleTimeout: tlsHandshakeTimeout,
				MaxIdleTimeout:       idleConnTimeout,
				KeepAlivePeriod:      keepAlive,
			},
		}
		c.http = &http.Client{Transport: c.h3}
	default:
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     idleConnTimeout,
			TLSHandshakeTimeout: tlsHandshakeTimeout,
			TLSClientConfig:     opts.TLSConfig,
			ForceAttemptHTTP2:   true,
			// chunks are encrypted or already compressed
			DisableCompression: true,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: keepAlive,
			}).DialContext,
		}}
	}
	utils.Debug("httpstore: base=%s http3=%t", base, c.h3 != nil)
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), rd)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if id, ok := backend.IdentityFrom(ctx); ok {
		req.Header.Set(HeaderAppid, id.Appid)
		req.Header.Set(HeaderAppuid, id.Appuid)
		req.Header.Set(HeaderDevid, id.Devid)
		req.Header.Set(HeaderSid, id.Sid)
		req.Header.Set(HeaderClusterid, id.Clusterid)
	}
	return req, nil
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			utils.Debug("httpstore: failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, nil, statusError(resp, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// statusError maps a non-2xx response onto the engine's error classes.
func statusError(resp *http.Response, body []byte) error {
	var eb ErrorBody
	if len(body) > 0 {
		_ = sonic.Unmarshal(body, &eb)
	}
	msg := eb.Error
	if msg == "" {
		msg = resp.Status
	}

	switch eb.Code {
	case CodeNotFound:
		return fmt.Errorf("%s: %w", msg, types.ErrNotFound)
	case CodeSizeMismatch:
		return fmt.Errorf("%s: %w", msg, types.ErrSizeMismatch)
	case CodeInvalidArgument:
		return fmt.Errorf("%s: %w", msg, types.ErrInvalidArgument)
	case CodeRejected:
		return fmt.Errorf("%s: %w", msg, types.ErrRejected)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, types.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", msg, types.ErrRejected)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		err := fmt.Errorf("%s: %w", msg, types.ErrUnavailable)
		if at := httpheader.RetryAfter(resp.Header); !at.IsZero() {
			return &backend.RetryAfterError{Err: err, After: max(0, time.Until(at))}
		}
		return err
	default:
		return fmt.Errorf("%s: %w", msg, types.ErrUnavailable)
	}
}

func (c *Client) Stat(ctx context.Context, fid string) (*types.ObjectInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, PathObjects+"/"+url.PathEscape(fid), nil, nil)
	if err != nil {
		return nil, err
	}
	var info types.ObjectInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) BeginUpload(ctx context.Context, spec backend.UploadSpec) (string, error) {
	payload, err := sonic.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal upload spec: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, PathUploads, nil, payload)
	if err != nil {
		return "", err
	}
	var out BeginResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	if out.UploadID == "" {
		return "", fmt.Errorf("%w: server returned no upload id", types.ErrRejected)
	}
	return out.UploadID, nil
}

func (c *Client) PutChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	q := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	req, err := c.newRequest(ctx, http.MethodPut, PathUploads+"/"+url.PathEscape(uploadID), q, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	_, _, err = c.do(req)
	return err
}

func (c *Client) CommitUpload(ctx context.Context, uploadID string) (*types.ObjectInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPost, PathUploads+"/"+url.PathEscape(uploadID)+"/commit", nil, nil)
	if err != nil {
		return nil, err
	}
	var info types.ObjectInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) AbortUpload(ctx context.Context, uploadID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, PathUploads+"/"+url.PathEscape(uploadID), nil, nil)
	if err != nil {
		return err
	}
	_, _, err = c.do(req)
	return err
}

func (c *Client) ReadChunk(ctx context.Context, fid string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, PathObjects+"/"+url.PathEscape(fid)+"/content", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, body, err := c.do(req)
	if resp != nil && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// range starts at or past the end
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		// server ignored the range and sent the whole object
		if offset >= int64(len(body)) {
			return nil, nil
		}
		body = body[offset:min(int64(len(body)), offset+length)]
	}
	return body, nil
}

func (c *Client) CreateDir(ctx context.Context, parentFid, name string) (string, error) {
	payload, err := sonic.Marshal(CreateDirRequest{ParentFid: parentFid, Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, PathDirs, nil, payload)
	if err != nil {
		return "", err
	}
	var out FidResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	return out.Fid, nil
}

func (c *Client) URL(ctx context.Context, fid string, version int64, path string) (string, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.FormatInt(version, 10))
	}
	if path != "" {
		q.Set("path", path)
	}
	req, err := c.newRequest(ctx, http.MethodGet, PathObjects+"/"+url.PathEscape(fid)+"/url", q, nil)
	if err != nil {
		return "", err
	}
	var out URLResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) ThumbURL(ctx context.Context, fid string, kind types.ThumbType) (string, error) {
	q := url.Values{"kind": {strconv.Itoa(int(kind))}}
	req, err := c.newRequest(ctx, http.MethodGet, PathObjects+"/"+url.PathEscape(fid)+"/thumb", q, nil)
	if err != nil {
		return "", err
	}
	var out URLResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Close releases the QUIC transport, if any.
func (c *Client) Close() error {
	if c.h3 != nil {
		return c.h3.Close()
	}
	c.http.CloseIdleConnections()
	return nil
}
