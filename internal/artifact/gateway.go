package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gateway-fm/supplychain/internal/retry"
)

const (
	DefaultUploadURL  = "https://api.web3.storage/upload"
	DefaultGatewayURL = "https://ipfs.io/ipfs/"
)

// GatewayConfig configures a pinning-service Gateway.
type GatewayConfig struct {
	UploadURL  string
	GatewayURL string
	// Token is sent as a bearer credential on upload.
	Token   string
	Timeout time.Duration
	// Retry applies to upload transport failures only. Zero value means a
	// single attempt.
	Retry      retry.Policy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gateway uploads through an IPFS pinning API and downloads from a public
// gateway.
type Gateway struct {
	uploadURL  string
	gatewayURL string
	token      string
	retry      retry.Policy
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Gateway{
		uploadURL:  cfg.UploadURL,
		gatewayURL: strings.TrimSuffix(cfg.GatewayURL, "/") + "/",
		token:      cfg.Token,
		retry:      cfg.Retry,
		httpClient: client,
		logger:     logger,
	}
}

type uploadResponse struct {
	CID string `json:"cid"`
}

// Upload posts data to the pinning service and returns the CID it assigned.
// A response without a CID is returned as a *GatewayError holding the raw
// body.
func (g *Gateway) Upload(ctx context.Context, data []byte) (string, error) {
	var id string
	err := g.retry.Do(ctx, "artifact.upload", func(ctx context.Context) error {
		var err error
		id, err = g.upload(ctx, data)
		return err
	}, isTransient)
	if err != nil {
		return "", err
	}
	g.logger.Debug("artifact uploaded", slog.String("cid", id), slog.Int("bytes", len(data)))
	return id, nil
}

func (g *Gateway) upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	var out uploadResponse
	if json.Unmarshal(body, &out) != nil || out.CID == "" {
		return "", &GatewayError{Status: resp.StatusCode, Body: string(body)}
	}
	if _, err := ParseCID(out.CID); err != nil {
		return "", err
	}
	return out.CID, nil
}

// Download fetches the artifact stored under id. Any non-200 status wraps
// ErrNotFound and is not retried.
func (g *Gateway) Download(ctx context.Context, id string) ([]byte, error) {
	parsed, err := ParseCID(id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.gatewayURL+parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("download %s: %w: %w", id, ErrNotFound, &GatewayError{Status: resp.StatusCode, Body: string(body)})
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return data, nil
}

// isTransient retries network failures and 5xx/429 gateway answers.
func isTransient(err error) bool {
	if errors.Is(err, ErrInvalidCID) {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Status == http.StatusTooManyRequests || gwErr.Status >= 500
	}
	return true
}
