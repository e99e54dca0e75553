// Package transport is the authenticated HTTP channel to the remote
// authority. Credentials are supplied from outside through a token
// provider; every request carries the bearer token and the device header.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftsync/internal/core/apperror"
	"driftsync/internal/domain/sync"
)

const (
	// DefaultRequestTimeout bounds upload and bulk-load requests. Expiry
	// counts as a transport failure and leaves the batch queued.
	DefaultRequestTimeout = 30 * time.Second

	headerDeviceID  = "X-Device-ID"
	headerRequestID = "X-Request-ID"
)

// TokenProvider returns the current bearer token. Called once per request,
// so rotated tokens are picked up without reconnecting the client.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed token string into a provider.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// Config holds transport configuration.
type Config struct {
	// BaseURL is the authority's root, e.g. "https://sync.example.com".
	BaseURL string

	// DeviceID identifies this device on every request.
	DeviceID int64

	// TokenProvider supplies the bearer token.
	TokenProvider TokenProvider

	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration

	// HTTPClient overrides the request client. Streaming always uses an
	// unbounded copy, since an event stream outlives any timeout.
	HTTPClient *http.Client
}

// Compile-time check that Client implements the sync transport contract.
var _ sync.Transport = (*Client)(nil)

// Client speaks the authority's wire protocol over HTTP.
type Client struct {
	baseURL  string
	deviceID int64
	token    TokenProvider
	http     *http.Client
	stream   *http.Client
}

// NewClient creates the transport client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, apperror.NewValidation("transport base URL is empty")
	}
	if cfg.TokenProvider == nil {
		return nil, apperror.NewValidation("transport token provider is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	requestClient := cfg.HTTPClient
	if requestClient == nil {
		requestClient = &http.Client{}
	}
	bounded := *requestClient
	bounded.Timeout = timeout
	unbounded := *requestClient
	unbounded.Timeout = 0

	return &Client{
		baseURL:  base,
		deviceID: cfg.DeviceID,
		token:    cfg.TokenProvider,
		http:     &bounded,
		stream:   &unbounded,
	}, nil
}

// UploadChanges POSTs a change batch. HTTP 200 and 207 both decode into a
// response; anything else is a transport-level failure that leaves the
// batch queued.
func (c *Client) UploadChanges(ctx context.Context, req sync.UploadRequest) (sync.UploadResponse, error) {
	var resp sync.UploadResponse
	err := c.postJSON(ctx, "/sync/changes", req, &resp)
	if err != nil {
		return sync.UploadResponse{}, err
	}
	return resp, nil
}

// BulkLoad fetches full snapshots of the named tables.
func (c *Client) BulkLoad(ctx context.Context, tables []string) (sync.BulkLoadResponse, error) {
	var resp sync.BulkLoadResponse
	err := c.postJSON(ctx, "/sync/bulk-load", sync.BulkLoadRequest{Tables: tables}, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// OpenEventStream connects to the realtime push channel. The returned
// stream stays open until the server ends it, the context is cancelled,
// or Close is called.
func (c *Client) OpenEventStream(ctx context.Context) (sync.EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sync/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return newEventStream(resp.Body), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
	default:
		return c.statusError(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.NewNetworkUnavailable(fmt.Errorf("read response: %w", err))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperror.NewNetworkUnavailable(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, apperror.NewUnauthorized("token provider failed").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerDeviceID, strconv.FormatInt(c.deviceID, 10))
	req.Header.Set(headerRequestID, uuid.New().String())
	return req, nil
}

// statusError maps a non-success HTTP status to the error taxonomy. The
// body is drained so the connection can be reused.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperror.NewUnauthorized("authority rejected credentials").
			WithDetail("status", resp.StatusCode).
			WithDetail("body", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return apperror.NewTimeout("authority request", errors.New(message))
	default:
		return apperror.NewNetworkUnavailable(fmt.Errorf("http %d: %s", resp.StatusCode, message))
	}
}

// classifyTransportErr separates timeouts from other connection failures,
// since both leave the batch queued but log differently.
func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperror.NewTimeout("authority request", err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperror.NewTimeout("authority request", err)
	}
	return apperror.NewNetworkUnavailable(err)
}
