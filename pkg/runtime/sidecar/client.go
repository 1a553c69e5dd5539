package sidecar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/mudler/sdxl-worker/pkg/model"
)

// Error types reported by the sidecar in the error_type field.
const (
	ErrorTypeOOM     = "oom"
	ErrorTypeVariant = "variant"
)

type loadRequest struct {
	Location string `json:"location"`
	model.LoadOptions
}

type loadResponse struct {
	Handle string `json:"handle"`
}

type handleRequest struct {
	Handle string `json:"handle"`
	Name   string `json:"name,omitempty"`
	Device string `json:"device,omitempty"`
}

type generateRequest struct {
	Handle string `json:"handle"`
	model.GenerateParams
}

type generateResponse struct {
	// Images are base64 encoded PNGs.
	Images []string `json:"images"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

// Client speaks the sidecar JSON protocol.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Health returns nil once the sidecar answers /health with 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar not healthy: status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls /health until it succeeds or timeout elapses.
func (c *Client) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := c.Health(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sidecar did not become healthy: %w", errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func decodeError(path string, status int, data []byte) error {
	var e errorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		return fmt.Errorf("%s: status %d: %s", path, status, bytes.TrimSpace(data))
	}
	switch e.ErrorType {
	case ErrorTypeOOM:
		return fmt.Errorf("%s: %w: %s", path, model.ErrOutOfMemory, e.Error)
	case ErrorTypeVariant:
		return fmt.Errorf("%s: %w: %s", path, model.ErrVariantUnavailable, e.Error)
	default:
		return fmt.Errorf("%s: %s", path, e.Error)
	}
}

func decodeImages(encoded []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(encoded))
	for i, s := range encoded {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}
