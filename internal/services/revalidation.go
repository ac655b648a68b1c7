package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	"github.com/sitewise/api/internal/platform/requestctx"
)

const defaultRevalidationTimeout = 3 * time.Second

type httpRevalidator struct {
	endpoint    string
	token       string
	timeout     time.Duration
	maxAttempts int
	client      *http.Client
}

// HTTPRevalidatorDeps bundles constructor inputs for the frontend cache pinger.
type HTTPRevalidatorDeps struct {
	Endpoint    string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	Client      *http.Client
}

// NewHTTPRevalidator creates a Revalidator that POSTs changed paths to the
// frontend's revalidation endpoint. The whole call is time-boxed; failures are
// logged and swallowed so a slow or absent frontend never affects writes.
func NewHTTPRevalidator(deps HTTPRevalidatorDeps) (Revalidator, error) {
	endpoint := strings.TrimSpace(deps.Endpoint)
	if endpoint == "" {
		return nil, errors.New("revalidator: endpoint is required")
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultRevalidationTimeout
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &httpRevalidator{
		endpoint:    endpoint,
		token:       deps.Token,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		client:      client,
	}, nil
}

type revalidationPayload struct {
	SiteID string   `json:"siteId"`
	Paths  []string `json:"paths"`
}

func (r *httpRevalidator) Ping(ctx context.Context, siteID string, paths []string) {
	if len(paths) == 0 {
		return
	}

	// Detach from request cancellation so an aborted admin call still
	// triggers revalidation, then time-box the whole retry budget.
	logger := requestctx.Logger(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	body, err := json.Marshal(revalidationPayload{SiteID: siteID, Paths: paths})
	if err != nil {
		logger.Warn("revalidation payload marshal failed", zap.Error(err))
		return
	}

	attempts := 0
	err = gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		attempts++
		return r.post(ctx, body)
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnErrorFunc(gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
		}, func(err error) bool {
			if attempts >= r.maxAttempts {
				return false
			}
			var terminal *terminalRevalidationError
			return !errors.As(err, &terminal)
		})
	}))
	if err != nil {
		logger.Warn("frontend revalidation failed",
			zap.String("site_id", siteID),
			zap.Int("paths", len(paths)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	logger.Debug("frontend revalidation triggered",
		zap.String("site_id", siteID),
		zap.Int("paths", len(paths)),
	)
}

// terminalRevalidationError marks responses that retrying cannot fix.
type terminalRevalidationError struct {
	status int
}

func (e *terminalRevalidationError) Error() string {
	return fmt.Sprintf("revalidation endpoint returned status %d", e.status)
}

func (r *httpRevalidator) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return &terminalRevalidationError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("revalidation endpoint returned status %d", resp.StatusCode)
	default:
		return &terminalRevalidationError{status: resp.StatusCode}
	}
}
