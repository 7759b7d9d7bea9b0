package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

type RemoteClient interface {
	GetDocument(ctx context.Context, documentID string) (DocumentSnapshot, error)
	PatchDocument(ctx context.Context, documentID string, patch Patch) (DocumentSnapshot, error)
	CreateDocument(ctx context.Context) (string, error)
}

type HTTPClientOptions struct {
	HTTPClient *http.Client
	// MaxRetries bounds the generic retries of transient failures. Zero
	// means the default of 3; use a negative value to disable retries.
	MaxRetries int
	RetryDelay time.Duration
	// MaxRetryAfter caps a server supplied Retry-After.
	MaxRetryAfter time.Duration
	Logger        logging.Logger
}

type HTTPClient struct {
	baseURL       string
	credentials   CredentialSupplier
	httpClient    *http.Client
	maxRetries    int
	retryDelay    time.Duration
	maxRetryAfter time.Duration
	logger        logging.Logger
}

func NewHTTPClient(baseURL string, credentials CredentialSupplier, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = 3
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:       baseURL,
		credentials:   credentials,
		httpClient:    opts.HTTPClient,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		maxRetryAfter: opts.MaxRetryAfter,
		logger:        logging.OrNop(opts.Logger),
	}
}

func (c *HTTPClient) GetDocument(ctx context.Context, documentID string) (DocumentSnapshot, error) {
	var out DocumentSnapshot
	err := c.doJSON(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID), nil, &out)
	return out, err
}

func (c *HTTPClient) PatchDocument(ctx context.Context, documentID string, patch Patch) (DocumentSnapshot, error) {
	if err := patch.validate(); err != nil {
		return DocumentSnapshot{}, err
	}
	var out struct {
		Document DocumentSnapshot `json:"document"`
	}
	err := c.doJSON(ctx, http.MethodPatch, "/documents/"+url.PathEscape(documentID), patch, &out)
	return out.Document, err
}

func (c *HTTPClient) CreateDocument(ctx context.Context) (string, error) {
	var out struct {
		DocumentID string `json:"documentId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/documents/new", nil, &out); err != nil {
		return "", err
	}
	if out.DocumentID == "" {
		return "", fmt.Errorf("create document: empty document id in response")
	}
	return out.DocumentID, nil
}

// doJSON issues one logical request. Transient failures (transport errors,
// 408, 429, 5xx) are retried up to maxRetries times with a fixed delay. A 401
// triggers exactly one credential refresh and an immediate retry that does
// not consume a generic retry; a 401 after that refresh, or a refresh the
// provider rejects, clears the session and yields ErrSessionExpired. A
// refresh that fails for any other reason is retried like a transport error.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	refreshed := false
	for attempt := 0; ; {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.authorize(ctx, req)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				attempt++
				c.logger.Debug(ctx, "request failed; retrying", "method", method, "path", requestPath, "attempt", attempt, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		httpErr := decodeHTTPError(resp.StatusCode, payloadBytes)
		if resp.StatusCode == http.StatusUnauthorized && c.credentials != nil {
			if !refreshed {
				refreshed = true
				_, refreshErr := c.credentials.Refresh(ctx)
				if refreshErr == nil {
					c.logger.Debug(ctx, "credential refreshed after 401; retrying", "method", method, "path", requestPath)
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !refreshRejected(refreshErr) {
					// The identity provider could not be reached; the session
					// may still be valid, so this costs a retry, not a sign-out.
					if attempt < c.maxRetries {
						attempt++
						refreshed = false
						c.logger.Warn(ctx, "refresh failed; retrying", "method", method, "path", requestPath, "attempt", attempt, "error", refreshErr)
						if waitErr := waitWithContext(ctx, c.retryDelay); waitErr != nil {
							return waitErr
						}
						continue
					}
					return fmt.Errorf("%w: refresh session: %w", httpErr, refreshErr)
				}
				c.logger.Warn(ctx, "session refresh rejected", "error", refreshErr)
			}
			c.credentials.Clear(ctx)
			return fmt.Errorf("%w: %w", ErrSessionExpired, httpErr)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			attempt++
			delay := c.retryDelay
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > delay {
				delay = min(retryAfter, c.maxRetryAfter)
			}
			c.logger.Debug(ctx, "transient response; retrying", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		return httpErr
	}
}

// refreshRejected reports whether a refresh failure means the session is
// gone, as opposed to the identity provider being unreachable.
func refreshRejected(err error) bool {
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNoSession)
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) {
	if c.credentials == nil {
		return
	}
	cred, err := c.credentials.Credential(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			c.logger.Warn(ctx, "credential unavailable; sending unauthenticated", "error", err)
		}
		return
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(status)
	}
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "doc_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
