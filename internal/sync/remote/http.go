package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
)

// maxErrorBody caps how much of an error response is kept as the reason.
const maxErrorBody = 4 << 10

// HTTPConfig holds remote API connection configuration.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; 0 disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// HTTPRemote implements Store over a JSON REST API:
//
//	POST   /api/v1/{type}       create, responds {"id": "..."}
//	PATCH  /api/v1/{type}/{id}  update
//	DELETE /api/v1/{type}/{id}  delete
type HTTPRemote struct {
	config     HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

type createResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPRemote creates a new HTTPRemote.
func NewHTTPRemote(config HTTPConfig) *HTTPRemote {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &HTTPRemote{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
	}
}

// Create implements Store.
func (c *HTTPRemote) Create(ctx context.Context, req Request) (string, error) {
	body, err := c.do(ctx, http.MethodPost, c.collectionURL(req.EntityType), req)
	if err != nil {
		return "", err
	}

	var out createResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperrors.Permanent(0, fmt.Sprintf("invalid create response: %v", err))
	}
	if out.ID == "" {
		return "", apperrors.Permanent(0, "create response carries no id")
	}
	return out.ID, nil
}

// Update implements Store.
func (c *HTTPRemote) Update(ctx context.Context, req Request) error {
	_, err := c.do(ctx, http.MethodPatch, c.entityURL(req.EntityType, req.EntityID), req)
	return err
}

// Delete implements Store. A missing entity counts as deleted.
func (c *HTTPRemote) Delete(ctx context.Context, req Request) error {
	_, err := c.do(ctx, http.MethodDelete, c.entityURL(req.EntityType, req.EntityID), req)
	if re := asRemoteError(err); re != nil && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPRemote) collectionURL(entityType string) string {
	return fmt.Sprintf("%s/api/v1/%s", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(entityType))
}

func (c *HTTPRemote) entityURL(entityType, entityID string) string {
	return c.collectionURL(entityType) + "/" + url.PathEscape(entityID)
}

// do executes one request and maps the outcome onto the error taxonomy.
func (c *HTTPRemote) do(ctx context.Context, method, urlStr string, req Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &apperrors.RemoteError{Kind: apperrors.KindTransient, Reason: "rate limited", Err: err}
	}

	var reader io.Reader
	if method != http.MethodDelete && len(req.Payload) > 0 {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, apperrors.Permanent(0, fmt.Sprintf("failed to encode payload: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, apperrors.Permanent(0, fmt.Sprintf("failed to build request: %v", err))
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if req.UserID != "" {
		httpReq.Header.Set("X-User-ID", req.UserID)
	}
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &apperrors.RemoteError{Kind: apperrors.KindTransient, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperrors.RemoteError{Kind: apperrors.KindTransient, StatusCode: resp.StatusCode, Reason: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyStatus maps a non-2xx response onto a RemoteError.
func classifyStatus(status int, body []byte) *apperrors.RemoteError {
	reason := errorReason(status, body)
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return apperrors.Transient(status, reason)
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return &apperrors.RemoteError{
			Kind:       apperrors.KindPermanent,
			StatusCode: status,
			Reason:     reason,
			Err:        apperrors.New(apperrors.ErrSyncConflict, "entity was changed remotely"),
		}
	default:
		return apperrors.Permanent(status, reason)
	}
}

func errorReason(status int, body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

func asRemoteError(err error) *apperrors.RemoteError {
	re, _ := err.(*apperrors.RemoteError)
	return re
}
