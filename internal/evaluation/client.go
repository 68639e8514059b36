package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// StatusCodeError is returned when the evaluator answers with a non-2xx status.
type StatusCodeError struct {
	Code int
	Body string
}

func (e *StatusCodeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("evaluator returned status %d", e.Code)
	}
	return fmt.Sprintf("evaluator returned status %d: %s", e.Code, e.Body)
}

// Is makes every StatusCodeError match ErrExternalService.
func (e *StatusCodeError) Is(target error) bool {
	return target == ErrExternalService
}

// HTTPEvaluator calls the evaluator service over HTTP.
type HTTPEvaluator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPEvaluator creates a client for the evaluator at baseURL. timeout is
// a transport-level ceiling; the queue applies its own per-call deadline.
func NewHTTPEvaluator(baseURL string, timeout time.Duration) *HTTPEvaluator {
	return &HTTPEvaluator{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type triggerRequest struct {
	EventID string `json:"eventId"`
}

// Evaluate posts {"eventId": ...} to /trigger-task and returns the response
// body as the evaluation result.
func (c *HTTPEvaluator) Evaluate(ctx context.Context, eventID string) (result json.RawMessage, err error) {
	body, err := json.Marshal(triggerRequest{EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trigger-task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrExternalService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close body: %w", ErrExternalService, closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusCodeError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrExternalService, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrExternalService)
	}
	return json.RawMessage(raw), nil
}

// IsStatus reports whether err is a StatusCodeError with the given code.
func IsStatus(err error, code int) bool {
	var sce *StatusCodeError
	return errors.As(err, &sce) && sce.Code == code
}
