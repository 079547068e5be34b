// Package attachments stores patient-uploaded files and doctor-issued
// prescription documents.
package attachments

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxUploadSize caps a single attachment upload.
const MaxUploadSize = 10 << 20 // 10 MiB

var allowedContentTypes = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

// AllowedContentType reports whether ct may be uploaded, returning the file
// extension used for the stored object.
func AllowedContentType(ct string) (string, bool) {
	ext, ok := allowedContentTypes[strings.ToLower(strings.TrimSpace(ct))]
	return ext, ok
}

// Store persists attachment files and returns a URL the request records.
type Store interface {
	Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error)
}

// ObjectKey builds the stored key for an upload: date-partitioned, with a
// random id so names never collide.
func ObjectKey(name, ext string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if base == "" || base == "." {
		base = "attachment"
	}
	return fmt.Sprintf("%s/%s-%s%s",
		time.Now().UTC().Format("2006/01/02"), base, uuid.New().String()[:8], ext)
}

// Memory is an in-process Store for tests and local development.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Upload stores the body under a generated key and returns a mem:// URL.
func (m *Memory) Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	ext, ok := AllowedContentType(contentType)
	if !ok {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
	data, err := io.ReadAll(io.LimitReader(body, MaxUploadSize+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("attachment exceeds %d bytes", MaxUploadSize)
	}

	key := ObjectKey(name, ext)
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return "mem://" + key, nil
}

// Get returns a stored object. Used by tests.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}
