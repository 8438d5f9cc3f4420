package data

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/protocol"
)

func testModule(t *testing.T, sizeLimit uint64) *Module {
	t.Helper()
	cfg := &config.Config{}
	cfg.Data.Directory = t.TempDir()
	cfg.Data.DownloadSizeLimit = sizeLimit
	m, err := New(cfg, nil)
	require.NoError(t, err)
	return m
}

func hexSum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestDownloadDirectFile(t *testing.T) {
	m := testModule(t, 1<<20)
	target := filepath.Join(t.TempDir(), "out")

	content := []byte("hello judge")
	file := &protocol.File{Type: protocol.FileTypeDirect, Content: string(content), Hashsum: hexSum(content)}
	require.NoError(t, m.DownloadFile(file, target))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadDirectBase64(t *testing.T) {
	m := testModule(t, 1<<20)
	target := filepath.Join(t.TempDir(), "out")

	file := &protocol.File{Type: protocol.FileTypeDirect, Content: "aGVsbG8=", Base64: true}
	require.NoError(t, m.DownloadFile(file, target))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestDirectHashMismatch(t *testing.T) {
	m := testModule(t, 1<<20)
	target := filepath.Join(t.TempDir(), "out")

	file := &protocol.File{
		Type:    protocol.FileTypeDirect,
		Content: "x",
		Hashsum: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	err := m.DownloadFile(file, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hashsum mismatch")
	assert.NoFileExists(t, target)
}

func TestStreamDownloadVerifiesHash(t *testing.T) {
	content := []byte("streamed test data")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	m := testModule(t, 1<<20)
	target := filepath.Join(t.TempDir(), "out")

	file := &protocol.File{Type: protocol.FileTypeURL, URL: server.URL, Hashsum: hexSum(content)}
	require.NoError(t, m.DownloadFile(file, target))

	file.Hashsum = hexSum([]byte("other"))
	err := m.DownloadFile(file, filepath.Join(t.TempDir(), "out2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hashsum mismatch")
}

func TestStreamDownloadSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	m := testModule(t, 1024)
	target := filepath.Join(t.TempDir(), "out")

	file := &protocol.File{Type: protocol.FileTypeURL, URL: server.URL}
	err := m.DownloadFile(file, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadDataRejectsBadHashsum(t *testing.T) {
	m := testModule(t, 1<<20)

	_, err := m.LoadData(&protocol.File{Type: protocol.FileTypeDirect, Content: "x", Hashsum: "UPPERCASE"})
	require.Error(t, err)
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrInvalidRequest, info.Code)
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func TestLoadDataExtractsAndCaches(t *testing.T) {
	raw := buildZip(t, map[string]string{"1.in": "1 2\n", "1.out": "3\n"})
	key := hexSum(raw)

	m := testModule(t, 1<<20)
	dir, err := m.LoadData(&protocol.File{Type: protocol.FileTypeDirect, Content: string(raw), Hashsum: key})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "1.in"))
	assert.FileExists(t, filepath.Join(dir, "1.out"))
	assert.NoFileExists(t, filepath.Join(m.directory, key+".zip"), "archive is removed after extraction")

	// second resolution hits the cache
	dir2, err := m.LoadData(&protocol.File{Type: protocol.FileTypeDirect, Content: "ignored on cache hit", Hashsum: key})
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
}

func TestUnzipRejectsTraversal(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	entry, err := w.Create("../escape")
	require.NoError(t, err)
	entry.Write([]byte("boom"))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	err = unzip(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes target directory")
}
