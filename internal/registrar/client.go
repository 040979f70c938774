package registrar

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

	"github.com/google/uuid"
)

// Kind classifies a registration failure.
type Kind string

const (
	// KindNetwork is transient: transport errors, timeouts, 5xx and 429.
	KindNetwork Kind = "network"
	// KindInvalidResponse is a 200 whose body lacks a required field.
	KindInvalidResponse Kind = "invalid_response"
	// KindRejected is any other refusal by the registrar.
	KindRejected Kind = "rejected"
)

// Error is returned by Register for every failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registrar %s (%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registrar %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same registration may succeed on a later cycle.
func (e *Error) Retryable() bool { return e.Kind == KindNetwork }

// KindOf extracts the failure kind of err, or "" when err is not a registrar error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Confirmation is the registrar's acknowledgement of one attendance.
type Confirmation struct {
	StudentID        string
	Timestamp        string
	Confidence       float64
	AttendanceStatus string
}

// idempotencyNamespace scopes the Idempotency-Key uuids sent with registrations.
var idempotencyNamespace = uuid.MustParse("6f1c1b8e-2f55-4d8e-9a57-0b3c1f0f6a21")

// IdempotencyKey derives a stable key for a capture so that re-sending it after a
// lost response carries the same key.
func IdempotencyKey(studentID string, at time.Time) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(studentID+"|"+at.UTC().Format(time.RFC3339Nano))).String()
}

// Client posts attendance to the external registrar. It keeps no cache and never
// retries; retry policy belongs to the caller.
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

// New creates a client. timeout bounds every call; zero means 10 seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	StudentID  string  `json:"student_id"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

type registerResponse struct {
	StudentID        *string  `json:"student_id"`
	Timestamp        *string  `json:"timestamp"`
	Confidence       *float64 `json:"confidence"`
	AttendanceStatus *string  `json:"attendance_status"`
}

func encodeRegister(studentID string, at time.Time, confidence float64) ([]byte, error) {
	return json.Marshal(registerRequest{
		StudentID:  studentID,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		Confidence: confidence,
	})
}

// Register confirms one attendance with the registrar.
func (c *Client) Register(ctx context.Context, studentID string, at time.Time, confidence float64) (Confirmation, error) {
	body, err := encodeRegister(studentID, at, confidence)
	if err != nil {
		return Confirmation{}, &Error{Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/register_attendance", bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, &Error{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(studentID, at))
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Confirmation{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Confirmation{}, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindRejected
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = KindNetwork
		}
		return Confirmation{}, &Error{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	}

	var out registerResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Confirmation{}, &Error{Kind: KindInvalidResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	var missing []string
	if out.StudentID == nil {
		missing = append(missing, "student_id")
	}
	if out.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if out.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if out.AttendanceStatus == nil {
		missing = append(missing, "attendance_status")
	}
	if len(missing) > 0 {
		return Confirmation{}, &Error{Kind: KindInvalidResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("response missing %s", strings.Join(missing, ", "))}
	}

	return Confirmation{
		StudentID:        *out.StudentID,
		Timestamp:        *out.Timestamp,
		Confidence:       *out.Confidence,
		AttendanceStatus: *out.AttendanceStatus,
	}, nil
}

// Health checks if the registrar is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("registrar unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registrar unhealthy: %s", resp.Status)
	}
	return nil
}
