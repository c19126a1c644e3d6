package parse

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ============================================================================
// Files
// ============================================================================

// SaveFile uploads a file that has no URL yet. Saved files are left alone.
func (c *Client) SaveFile(ctx context.Context, f *File, opts ...RequestOption) error {
	if f == nil {
		return newError(KindOtherCause, CodeOtherCause, "file is nil")
	}
	if f.Saved() {
		return nil
	}
	if f.Name == "" {
		return newError(KindOtherCause, CodeInvalidFileName, "file name is required")
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = guessMimeType(f.Name)
	}
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	resp, err := c.Execute(ctx, Command{
		Method:      http.MethodPost,
		Path:        "/files/" + url.PathEscape(f.Name),
		Body:        data,
		ContentType: contentType,
	}, opts...)
	if err != nil {
		return err
	}
	saved, err := decodeJSON[struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}](resp)
	if err != nil {
		return err
	}
	f.Name, f.URL, f.Data = saved.Name, saved.URL, nil
	return nil
}

// NewFileFromPath reads a local file for upload.
func NewFileFromPath(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(KindOtherCause, CodeOtherCause, "read file", err)
	}
	return NewFile(filepath.Base(path), data, ""), nil
}

// DeleteFile removes an uploaded file. The server requires the primary key.
func (c *Client) DeleteFile(ctx context.Context, f *File) error {
	if f == nil || !f.Saved() {
		return newError(KindOtherCause, CodeFileDeleteError, "file has not been uploaded")
	}
	_, err := c.Execute(ctx, Command{
		Method: http.MethodDelete,
		Path:   "/files/" + url.PathEscape(f.Name),
	}, UsePrimaryKey())
	return err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
