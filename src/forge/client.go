package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// client is the HTTP plumbing shared by the forge implementations.
type client struct {
	name string
	http *http.Client
	auth func(*http.Request)
}

func (c *client) httpClient() *http.Client {
	if c.http != nil {
		return c.http
	}
	return http.DefaultClient
}

func (c *client) doJSON(ctx context.Context, method, url string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, result)
}

func (c *client) do(req *http.Request, result any) error {
	c.auth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &APIError{Forge: c.name, Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil {
		return json.Unmarshal(respBody, result)
	}
	return nil
}

// uploadMultipart posts a file as a multipart form under field.
func (c *client) uploadMultipart(ctx context.Context, url, field string, asset Asset, result any) error {
	f, err := os.Open(asset.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, asset.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.do(req, result); err != nil {
		return fmt.Errorf("uploading %s: %w", asset.Name, err)
	}
	return nil
}

func mimeType(asset Asset) string {
	if asset.MIMEType != "" {
		return asset.MIMEType
	}
	if t := mime.TypeByExtension(filepath.Ext(asset.FilePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}
