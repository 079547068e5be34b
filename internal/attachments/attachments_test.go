package attachments

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestAllowedContentType(t *testing.T) {
	tests := []struct {
		ct      string
		wantExt string
		wantOK  bool
	}{
		{"application/pdf", ".pdf", true},
		{"image/jpeg", ".jpg", true},
		{"image/png", ".png", true},
		{" Image/PNG ", ".png", true},
		{"text/html", "", false},
		{"application/octet-stream", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		ext, ok := AllowedContentType(tt.ct)
		if ext != tt.wantExt || ok != tt.wantOK {
			t.Errorf("AllowedContentType(%q) = %q,%v want %q,%v", tt.ct, ext, ok, tt.wantExt, tt.wantOK)
		}
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("scan.pdf", ".pdf")
	if !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("key %q missing extension", key)
	}
	if !strings.Contains(key, "scan-") {
		t.Fatalf("key %q lost the original base name", key)
	}
	if key == ObjectKey("scan.pdf", ".pdf") {
		t.Fatal("two uploads of the same name produced the same key")
	}

	// Pathological names still produce usable keys.
	if key := ObjectKey("", ".png"); !strings.Contains(key, "attachment-") {
		t.Fatalf("empty name key = %q", key)
	}
	if key := ObjectKey("../../etc/passwd", ".pdf"); strings.Contains(key, "..") {
		t.Fatalf("traversal survived into key %q", key)
	}
}

func TestMemoryUpload(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	url, err := m.Upload(ctx, "scan.pdf", "application/pdf", bytes.NewBufferString("%PDF-1.4 test"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "mem://") {
		t.Fatalf("url = %q", url)
	}
	data, ok := m.Get(strings.TrimPrefix(url, "mem://"))
	if !ok || string(data) != "%PDF-1.4 test" {
		t.Fatalf("stored object = %q, ok=%v", data, ok)
	}

	if _, err := m.Upload(ctx, "notes.txt", "text/plain", bytes.NewBufferString("x")); err == nil {
		t.Fatal("text upload accepted")
	}

	big := bytes.NewBuffer(make([]byte, MaxUploadSize+1))
	if _, err := m.Upload(ctx, "huge.pdf", "application/pdf", big); err == nil {
		t.Fatal("oversized upload accepted")
	}
}
