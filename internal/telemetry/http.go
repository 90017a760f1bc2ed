package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/iobeam/rssibeam/internal/config"
	"github.com/iobeam/rssibeam/internal/httpkit"
)

// HTTPConfig configures [NewHTTPTransport].
type HTTPConfig struct {
	BaseURL    string
	ProjectID  int64
	Token      string
	Timeout    time.Duration
	RetryCount int
	Logger     *slog.Logger
}

// HTTPTransport talks to the REST import API.
//
//	POST {base}/v1/devices   {"project_id": N}                       -> {"device_id": "..."}
//	POST {base}/v1/imports   {"project_id", "device_id", "sources"}  -> 200/201
type HTTPTransport struct {
	baseURL   string
	projectID int64
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPTransport validates the project settings and builds a
// transport. An error here is a client initialization error.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.ProjectID <= 0 || cfg.Token == "" {
		return nil, fmt.Errorf("%w: project_id=%d token set=%t", ErrInvalidProject, cfg.ProjectID, cfg.Token != "")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: empty base URL", ErrInvalidProject)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithLogger(cfg.Logger),
		httpkit.WithBearerToken(cfg.Token),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}
	if cfg.RetryCount > 0 {
		opts = append(opts, httpkit.WithRetry(cfg.RetryCount, 500*time.Millisecond))
	}

	return &HTTPTransport{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		client:    httpkit.NewClient(opts...),
		logger:    cfg.Logger,
	}, nil
}

type registerRequest struct {
	ProjectID int64 `json:"project_id"`
}

type registerResponse struct {
	DeviceID string `json:"device_id"`
}

type importRequest struct {
	ProjectID int64               `json:"project_id"`
	DeviceID  string              `json:"device_id"`
	Sources   map[string][]Sample `json:"sources"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Register implements [Transport].
func (t *HTTPTransport) Register(ctx context.Context) (string, error) {
	var out registerResponse
	if err := t.post(ctx, "/v1/devices", registerRequest{ProjectID: t.projectID}, &out); err != nil {
		return "", fmt.Errorf("register device: %w", err)
	}
	return out.DeviceID, nil
}

// Import implements [Transport].
func (t *HTTPTransport) Import(ctx context.Context, deviceID string, b Batch) error {
	req := importRequest{
		ProjectID: t.projectID,
		DeviceID:  deviceID,
		Sources:   b.Series,
	}
	if err := t.post(ctx, "/v1/imports", req, nil); err != nil {
		return fmt.Errorf("import batch %s: %w", b.ID, err)
	}
	return nil
}

// Probe checks that the API host answers at all. Any HTTP status
// counts as reachable.
func (t *HTTPTransport) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "telemetry request", "path", path, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(raw)}
		var er errorResponse
		if json.Unmarshal([]byte(raw), &er) == nil && er.Message != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
