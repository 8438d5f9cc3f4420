// Package data resolves File references to local paths: streaming download
// with a size cap, SHA-256 verification, zip extraction, and a
// content-addressed cache keyed by declared hashsum.
package data

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/protocol"
)

// cacheIndexKey is the redis hash recording when each content-addressed
// extraction was materialized, for operator-side cache eviction.
const cacheIndexKey = "heng:data:index"

type Module struct {
	directory         string
	downloadSizeLimit uint64
	httpClient        *http.Client
	rdb               *redis.Client // optional
	logger            *log.Logger
}

func New(cfg *config.Config, rdb *redis.Client) (*Module, error) {
	dir := cfg.Data.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &Module{
		directory:         dir,
		downloadSizeLimit: cfg.Data.DownloadSizeLimit,
		httpClient:        &http.Client{Timeout: 5 * time.Minute},
		rdb:               rdb,
		logger:            log.New(log.Writer(), "[Data] ", log.LstdFlags),
	}, nil
}

// isHexHashsum accepts exactly the 64-char lowercase hex form.
func isHexHashsum(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// generateName builds an uncacheable key for files with no declared hash.
func generateName() string {
	return fmt.Sprintf("%d-%03d", time.Now().UnixNano(), rand.Intn(1000))
}

// LoadData resolves a test-data File reference to a local directory of
// extracted cases, reusing a previous extraction when the declared hashsum
// matches an on-disk key.
func (m *Module) LoadData(file *protocol.File) (string, error) {
	var key string
	if file.Hashsum != "" {
		if !isHexHashsum(file.Hashsum) {
			return "", protocol.NewError(protocol.ErrInvalidRequest, "invalid hashsum")
		}
		key = file.Hashsum
	} else {
		key = generateName()
	}

	dirPath := filepath.Join(m.directory, key)
	if _, err := os.Stat(dirPath); err == nil {
		m.logger.Printf("cache hit for %s", key)
		return dirPath, nil
	}

	zipPath := filepath.Join(m.directory, key+".zip")
	// the archive itself never outlives this call
	defer os.Remove(zipPath)

	if err := m.fetchTo(file, zipPath); err != nil {
		return "", err
	}

	if err := unzip(zipPath, dirPath); err != nil {
		os.RemoveAll(dirPath)
		return "", fmt.Errorf("unzip %s: %w", key, err)
	}

	if m.rdb != nil && file.Hashsum != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.rdb.HSet(ctx, cacheIndexKey, key, time.Now().Unix()).Err(); err != nil {
			m.logger.Printf("cache index update failed: %v", err)
		}
	}
	return dirPath, nil
}

// DownloadFile resolves a single-artifact File reference onto targetPath
// with the same hash-verification semantics as LoadData, minus zip handling.
func (m *Module) DownloadFile(file *protocol.File, targetPath string) error {
	return m.fetchTo(file, targetPath)
}

func (m *Module) fetchTo(file *protocol.File, targetPath string) error {
	switch file.Type {
	case protocol.FileTypeURL:
		contentHash, err := m.streamDownload(file.URL, targetPath)
		if err != nil {
			os.Remove(targetPath)
			return err
		}
		if file.Hashsum != "" && contentHash != file.Hashsum {
			os.Remove(targetPath)
			return fmt.Errorf("file hashsum mismatch: declared %s, got %s", file.Hashsum, contentHash)
		}
		return nil

	case protocol.FileTypeDirect:
		content := []byte(file.Content)
		if file.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(file.Content)
			if err != nil {
				return fmt.Errorf("base64 decode: %w", err)
			}
			content = decoded
		}
		if file.Hashsum != "" {
			sum := sha256.Sum256(content)
			if hex.EncodeToString(sum[:]) != file.Hashsum {
				return fmt.Errorf("file hashsum mismatch")
			}
		}
		if err := os.WriteFile(targetPath, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", targetPath, err)
		}
		return nil

	default:
		return protocol.NewError(protocol.ErrInvalidRequest, "unknown file type %q", file.Type)
	}
}

// streamDownload fetches a URL chunk by chunk, hashing as it goes and
// failing once the byte count passes the configured limit.
func (m *Module) streamDownload(url, targetPath string) (string, error) {
	res, err := m.httpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("request failed: status = %d", res.StatusCode)
	}

	out, err := os.Create(targetPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", targetPath, err)
	}
	defer out.Close()

	hasher := sha256.New()
	var size uint64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			size += uint64(n)
			if size > m.downloadSizeLimit {
				return "", fmt.Errorf("body is too large: size = %d, size_limit = %d", size, m.downloadSizeLimit)
			}
			hasher.Write(buf[:n])
			if _, err := out.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write %s: %w", targetPath, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read body: %w", readErr)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// unzip extracts the archive, rejecting entries that would escape the
// target directory.
func unzip(zipPath, targetDir string) error {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer archive.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	for _, entry := range archive.File {
		cleaned := filepath.Clean(entry.Name)
		if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
			return fmt.Errorf("zip entry %q escapes target directory", entry.Name)
		}
		dest := filepath.Join(targetDir, cleaned)

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dest string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}
