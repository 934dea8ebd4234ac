package fileinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Entry describes one local file or directory, shaped to line up with a
// connector.RemoteEntry for sync diffing.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"-"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"is_dir"`
	ModTime  time.Time `json:"mod_time"`
	MimeType string    `json:"mime_type,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
}

// Stat builds an Entry for a single path, detecting the mime type for
// regular files.
func Stat(path string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Name:    info.Name(),
		Path:    path,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !e.IsDir {
		mime, err := mimetype.DetectFile(path)
		if err != nil {
			e.MimeType = "application/octet-stream"
		} else {
			e.MimeType = mime.String()
		}
	}
	return e, nil
}

// ScanDir lists the entries directly under root, skipping children that
// cannot be read.
func ScanDir(root string) ([]Entry, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		childPath := filepath.Join(root, de.Name())
		e, err := Stat(childPath)
		if err != nil {
			slog.Warn("skipping unreadable entry", "path", childPath, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SHA256 returns the hex-encoded SHA-256 digest of the file at path.
func SHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("fail to close file", "error", err.Error())
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify recomputes the file's SHA-256 and compares it with expected.
func Verify(path, expected string) (bool, error) {
	actual, err := SHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
