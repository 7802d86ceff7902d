package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mholt/archives"
	"github.com/vrsandeep/scm-server/internal/models"
)

type manifest struct {
	Information  models.PluginInformation `json:"information"`
	Dependencies []string                 `json:"dependencies,omitempty"`
}

// WritePluginDir creates an installed plugin directory below parent.
func WritePluginDir(t *testing.T, parent, name, version string, dependencies ...string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create plugin dir: %v", err)
	}
	data, err := json.Marshal(manifest{
		Information:  models.PluginInformation{Name: name, Version: version},
		Dependencies: dependencies,
	})
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return dir
}

// BuildPluginArchive returns a zipped plugin and its sha256 checksum.
func BuildPluginArchive(t *testing.T, name, version string, dependencies ...string) ([]byte, string) {
	t.Helper()
	src := WritePluginDir(t, t.TempDir(), name, version, dependencies...)
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("# "+name+"\n"), 0644); err != nil {
		t.Fatalf("Failed to write readme: %v", err)
	}

	ctx := context.Background()
	files, err := archives.FilesFromDisk(ctx, nil, map[string]string{
		filepath.Join(src, "plugin.json"): "plugin.json",
		filepath.Join(src, "README.md"):   "docs/README.md",
	})
	if err != nil {
		t.Fatalf("Failed to collect archive files: %v", err)
	}

	var buf bytes.Buffer
	if err := (archives.Zip{}).Archive(ctx, &buf, files); err != nil {
		t.Fatalf("Failed to build archive: %v", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

// ArtifactServer serves plugin archives and records the Authorization
// headers it received.
type ArtifactServer struct {
	*httptest.Server

	mu        sync.Mutex
	artifacts map[string][]byte
	auth      []string
}

// NewArtifactServer starts a server that is closed with the test.
func NewArtifactServer(t *testing.T) *ArtifactServer {
	t.Helper()
	s := &ArtifactServer{artifacts: make(map[string][]byte)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		data, ok := s.artifacts[r.URL.Path]
		if r.Method == http.MethodGet {
			s.auth = append(s.auth, r.Header.Get("Authorization"))
		}
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// Add serves data at path and returns its URL.
func (s *ArtifactServer) Add(path string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[path] = data
	return s.URL + path
}

// AuthorizationHeaders returns the Authorization headers of all downloads.
func (s *ArtifactServer) AuthorizationHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}
