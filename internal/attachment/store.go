package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// DefaultMaxBytes caps a single attachment.
const DefaultMaxBytes int64 = 10 << 20

var (
	// ErrTooLarge indicates the upload exceeded the size limit.
	ErrTooLarge = fmt.Errorf("attachment: %w: file too large", shared.ErrValidation)
	// ErrExtension indicates a file type that is not accepted.
	ErrExtension = fmt.Errorf("attachment: %w: file type not allowed", shared.ErrValidation)
	// ErrNotFound indicates the referenced attachment does not exist.
	ErrNotFound = fmt.Errorf("attachment: %w", shared.ErrNotFound)
	// ErrBadRef indicates a malformed reference.
	ErrBadRef = fmt.Errorf("attachment: %w: malformed reference", shared.ErrValidation)
)

var allowedExt = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true,
	".xlsx": true, ".xls": true, ".csv": true, ".docx": true,
}

// Store keeps attachments on the local filesystem under
// <root>/<movementID>/<uuid><ext>. References are the path relative to root.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore constructs a Store rooted at dir.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("attachment: directory required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("attachment: create root: %w", err)
	}
	return &Store{root: dir, maxBytes: maxBytes}, nil
}

// Upload writes r and returns the reference of the stored file. A partial
// file is removed when the copy fails or the limit is exceeded.
func (s *Store) Upload(ctx context.Context, movementID int64, filename string, r io.Reader) (string, error) {
	if movementID <= 0 {
		return "", fmt.Errorf("attachment: %w: movement id required", shared.ErrValidation)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExt[ext] {
		return "", fmt.Errorf("%w: %q", ErrExtension, ext)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, strconv.FormatInt(movementID, 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("attachment: create dir: %w", err)
	}
	name := uuid.NewString() + ext
	full := filepath.Join(dir, name)
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("attachment: create file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		_ = os.Remove(full)
		return "", fmt.Errorf("attachment: write: %w", err)
	case closeErr != nil:
		_ = os.Remove(full)
		return "", fmt.Errorf("attachment: close: %w", closeErr)
	case n > s.maxBytes:
		_ = os.Remove(full)
		return "", ErrTooLarge
	}
	return path.Join(strconv.FormatInt(movementID, 10), name), nil
}

// Open returns the stored content of ref.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *Store) resolve(ref string) (string, error) {
	dir, name, ok := strings.Cut(ref, "/")
	if !ok || strings.Contains(name, "/") {
		return "", ErrBadRef
	}
	if _, err := strconv.ParseInt(dir, 10, 64); err != nil {
		return "", ErrBadRef
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrBadRef
	}
	return filepath.Join(s.root, dir, name), nil
}
