// Package publish uploads exported marker layers to a map web frontend.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Metadata describes an uploaded layer.
type Metadata struct {
	DocumentID string
	CRS        string
	Markers    int
	Tag        string
}

// Layer is the frontend's record of an accepted upload.
type Layer struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Client talks to the map web frontend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the frontend is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// Upload streams a GeoJSON layer as the multipart "file" field and returns
// the layer the frontend created for it.
func (c *Client) Upload(ctx context.Context, name string, layer io.Reader, meta Metadata) (Layer, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(writer, c.apiKey, name, layer, meta))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/layers/add", pr)
	if err != nil {
		_ = pr.Close()
		return Layer{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Layer{}, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Layer{}, fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Layer{}, fmt.Errorf("upload returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Layer
	if err := json.Unmarshal(body, &out); err != nil {
		return Layer{}, fmt.Errorf("decoding upload response: %w", err)
	}
	if out.ID == "" {
		return Layer{}, errors.New("upload response carries no layer id")
	}
	return out, nil
}

func writeForm(w *multipart.Writer, secret, name string, layer io.Reader, meta Metadata) error {
	fields := [][2]string{
		{"secret", secret},
		{"filename", name},
		{"document", meta.DocumentID},
		{"crs", meta.CRS},
		{"markers", strconv.Itoa(meta.Markers)},
		{"tag", meta.Tag},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, layer); err != nil {
		return fmt.Errorf("failed to copy layer: %w", err)
	}
	return w.Close()
}
