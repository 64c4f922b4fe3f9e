// Package blob stores save-state payloads and thumbnails as files keyed by slot ID.
//
// Layout under the store root:
//
//	states/<id>.state   payload
//	states/<id>.png     thumbnail
//	tmp/*               pending captures and restore swaps
//
// Paths handed out by the store are relative to the root and are what the
// catalog records.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/wilhg/savestate/pkg/errmodel"
)

const (
	statesDir    = "states"
	tempDir      = "tmp"
	payloadExt   = ".state"
	thumbnailExt = ".png"
	filePerm     = 0o644
	dirPerm      = 0o755
)

// Locations are the relative paths produced by a Write.
type Locations struct {
	PayloadPath   string
	ThumbnailPath string
	Digest        string
	// ThumbnailErr is set when the thumbnail could not be written; the payload is still durable.
	ThumbnailErr error
}

// Store reads and writes slot files on an afero filesystem.
type Store struct {
	fs  afero.Fs
	log *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Store over fsys. The filesystem root is the save directory.
func New(fsys afero.Fs, opts ...Option) *Store {
	s := &Store{fs: fsys, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOS returns a Store rooted at dir on the host filesystem.
func NewOS(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errmodel.Validation("save_dir_required", "save directory is required", nil)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errmodel.Storage("save_dir", "cannot create save directory", map[string]any{"dir": dir}, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), opts...), nil
}

// PayloadPath is the relative payload path for a slot ID.
func PayloadPath(id string) string { return path.Join(statesDir, id+payloadExt) }

// ThumbnailPath is the relative thumbnail path for a slot ID.
func ThumbnailPath(id string) string { return path.Join(statesDir, id+thumbnailExt) }

// Digest returns the hex sha256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Write stores the payload for id, replacing any previous payload atomically, then
// the thumbnail. A thumbnail failure is logged and reported in Locations only.
func (s *Store) Write(ctx context.Context, id string, payload, thumbnail []byte) (Locations, error) {
	if err := ctx.Err(); err != nil {
		return Locations{}, err
	}
	if id == "" {
		return Locations{}, errmodel.Validation("slot_id_required", "slot id is required", nil)
	}
	loc := Locations{PayloadPath: PayloadPath(id), Digest: Digest(payload)}
	if err := s.atomicWrite(statesDir, loc.PayloadPath, payload); err != nil {
		return Locations{}, errmodel.Storage("payload_write", "cannot write save state payload", map[string]any{"slot_id": id}, err)
	}
	if len(thumbnail) == 0 {
		return loc, nil
	}
	p, err := s.WriteThumbnail(ctx, id, thumbnail)
	if err != nil {
		loc.ThumbnailErr = err
		return loc, nil
	}
	loc.ThumbnailPath = p
	return loc, nil
}

// WriteThumbnail replaces the thumbnail for id and returns its path.
func (s *Store) WriteThumbnail(ctx context.Context, id string, thumbnail []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := ThumbnailPath(id)
	if err := s.atomicWrite(statesDir, p, thumbnail); err != nil {
		s.log.Warn("thumbnail write failed", "slot", id, "error", err)
		return "", errmodel.Storage("thumbnail_write", "cannot write thumbnail", map[string]any{"slot_id": id}, err)
	}
	return p, nil
}

// Read returns the payload at p. A missing file is reported as SlotMissing.
func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == "" {
		return nil, errmodel.SlotMissing("", fs.ErrNotExist)
	}
	b, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errmodel.SlotMissing(slotIDFromPath(p), err)
		}
		return nil, errmodel.Storage("payload_read", "cannot read save state payload", map[string]any{"path": p}, err)
	}
	return b, nil
}

// Exists reports whether a file exists at p.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return false, errmodel.Storage("stat", "cannot stat file", map[string]any{"path": p}, err)
	}
	return ok, nil
}

// Delete removes the file at p. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	if p == "" {
		return nil
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errmodel.Storage("delete", "cannot delete file", map[string]any{"path": p}, err)
	}
	return nil
}

// WriteTemp stores payload in a new temporary file and returns its path.
func (s *Store) WriteTemp(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := s.tempName()
	if err := s.atomicWrite(tempDir, p, payload); err != nil {
		return "", errmodel.Storage("temp_write", "cannot write temporary save state", nil, err)
	}
	return p, nil
}

// MoveToTemp moves the file at p into the temporary area and returns the new path.
func (s *Store) MoveToTemp(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(tempDir, dirPerm); err != nil {
		return "", errmodel.Storage("temp_dir", "cannot create temporary directory", nil, err)
	}
	tmp := s.tempName()
	if err := s.fs.Rename(p, tmp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errmodel.SlotMissing(slotIDFromPath(p), err)
		}
		return "", errmodel.Storage("temp_move", "cannot move payload to temporary file", map[string]any{"path": p}, err)
	}
	return tmp, nil
}

// MoveBack moves a temporary file back to p.
func (s *Store) MoveBack(ctx context.Context, tmp, p string) error {
	if err := s.fs.MkdirAll(path.Dir(p), dirPerm); err != nil {
		return errmodel.Storage("states_dir", "cannot create states directory", nil, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return errmodel.Storage("temp_restore", "cannot move temporary file back", map[string]any{"path": p}, err)
	}
	return nil
}

// ListIDs returns the sorted slot IDs that have a payload or thumbnail on disk.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, statesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errmodel.Storage("list", "cannot list save states", nil, err)
	}
	seen := map[string]struct{}{}
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		ext := path.Ext(name)
		if ext != payloadExt && ext != thumbnailExt {
			continue
		}
		seen[strings.TrimSuffix(name, ext)] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ClearTemp removes the files left in the temporary area, except the paths in keep,
// and returns how many were removed.
func (s *Store) ClearTemp(ctx context.Context, keep ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	infos, err := afero.ReadDir(s.fs, tempDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, errmodel.Storage("list_temp", "cannot list temporary files", nil, err)
	}
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[path.Clean(k)] = true
	}
	n := 0
	for _, fi := range infos {
		p := path.Join(tempDir, fi.Name())
		if fi.IsDir() || kept[p] {
			continue
		}
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, errmodel.Storage("delete_temp", "cannot delete temporary file", map[string]any{"name": fi.Name()}, err)
		}
		n++
	}
	return n, nil
}

func (s *Store) tempName() string {
	return path.Join(tempDir, uuid.NewString()+payloadExt)
}

// atomicWrite writes data to a temp file in dir, syncs it, then renames it over target.
func (s *Store) atomicWrite(dir, target string, data []byte) error {
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := afero.TempFile(s.fs, dir, ".tmp-write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	var success bool
	defer func() {
		if !success {
			if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("failed to remove temporary file", "path", name, "error", err)
			}
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := s.fs.Chmod(name, filePerm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := s.fs.Rename(name, target); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func slotIDFromPath(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
