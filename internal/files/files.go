// Package files handles chat file transfer: uploads land in a per-chat
// directory under the data dir, downloads resolve against the project root
// with escape protection, and both directions are recorded for provenance.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

var (
	// ErrTooLarge means an upload exceeded the configured byte cap.
	ErrTooLarge = errors.New("file exceeds the upload size limit")
	// ErrOutsideRoot means a requested path escapes the project root.
	ErrOutsideRoot = errors.New("path resolves outside the project root")
)

// DefaultMaxUploadBytes is 25 MiB, a little under Telegram's bot API cap.
const DefaultMaxUploadBytes = 25 * 1024 * 1024

// Sandbox mediates all file movement between chats and disk.
type Sandbox struct {
	dataDir  string
	maxBytes int64
	store    *store.Store
	logger   *zap.Logger
}

func NewSandbox(dataDir string, maxBytes int64, st *store.Store, logger *zap.Logger) *Sandbox {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Sandbox{dataDir: dataDir, maxBytes: maxBytes, store: st, logger: logger}
}

// UploadDir returns the chat's upload directory, creating it if needed.
func (s *Sandbox) UploadDir(chatID int64) (string, error) {
	dir := filepath.Join(s.dataDir, "uploads", strconv.FormatInt(chatID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	return dir, nil
}

// SaveUpload streams r into the chat's upload directory under the cleaned
// original name, enforcing the size cap and recording size + sha256.
func (s *Sandbox) SaveUpload(chatID int64, name string, r io.Reader) (*model.FileRecord, error) {
	dir, err := s.UploadDir(chatID)
	if err != nil {
		return nil, err
	}
	clean := cleanName(name)
	dst := filepath.Join(dir, clean)

	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", dst, err)
	}
	defer f.Close()

	hasher := sha256.New()
	// +1 so an exactly-at-limit file passes and one byte more trips the cap.
	n, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("writing %s: %w", dst, err)
	}
	if n > s.maxBytes {
		os.Remove(dst)
		return nil, ErrTooLarge
	}

	rel, err := filepath.Rel(s.dataDir, dst)
	if err != nil {
		rel = dst
	}
	record := &model.FileRecord{
		Direction:     model.FileUpload,
		OriginalName:  name,
		StoredRelPath: rel,
		SizeBytes:     n,
		SHA256:        hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := s.store.InsertFileRecord(record); err != nil {
		return nil, fmt.Errorf("recording upload: %w", err)
	}
	s.logger.Info("file uploaded",
		zap.Int64("chat_id", chatID),
		zap.String("name", clean),
		zap.Int64("size", n))
	return record, nil
}

// OpenProjectFile resolves rel inside root and opens it for download,
// recording the transfer. The resolved path must stay under root after
// canonicalization, including through symlinks.
func (s *Sandbox) OpenProjectFile(root, rel string) (*os.File, *model.FileRecord, error) {
	path, err := ResolveUnderRoot(root, rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", rel)
	}

	record := &model.FileRecord{
		Direction:     model.FileDownload,
		OriginalName:  filepath.Base(path),
		StoredRelPath: rel,
		SizeBytes:     info.Size(),
	}
	if err := s.store.InsertFileRecord(record); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("recording download: %w", err)
	}
	return f, record, nil
}

// ListUploads returns recent file records for display.
func (s *Sandbox) ListUploads(limit int) ([]*model.FileRecord, error) {
	return s.store.ListFileRecords(limit)
}

// ResolveUnderRoot joins rel to root and verifies the result cannot escape
// it: the lexically cleaned path must stay under root, and so must the
// symlink-resolved path when the file exists.
func ResolveUnderRoot(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Clean(filepath.Join(absRoot, rel))
	if !within(absRoot, joined) {
		return "", ErrOutsideRoot
	}
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return "", fmt.Errorf("resolving %s: %w", rel, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	if !within(resolvedRoot, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// cleanName reduces an arbitrary client-supplied filename to a safe single
// path component.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload.bin"
	}
	return name
}
