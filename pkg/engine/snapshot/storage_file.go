package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	fileExt   = ".opsn"
	backupExt = ".bak"
)

// FileStorage keeps one file per save in a directory. Writes go to a temporary file that is synced
// and renamed over the save, and the replaced save is kept next to it with a .bak suffix. A save
// exists under its name at every point of a write.
type FileStorage struct {
	dir string
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates a file storage rooted at dir, creating the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, eris.New("snapshot dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create snapshot dir %s", dir)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(name string) string {
	return filepath.Join(f.dir, name+fileExt)
}

func (f *FileStorage) Store(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "context done")
	}

	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // No-op once renamed
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "failed to sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "failed to close snapshot")
	}

	target := f.path(name)
	if err := f.backup(target); err != nil {
		return err
	}
	// The save stays in place until the rename replaces it.
	if err := os.Rename(tmpName, target); err != nil {
		return eris.Wrap(err, "failed to replace snapshot")
	}
	return f.syncDir()
}

// backup keeps the current save of target next to it. The save itself is not moved.
func (f *FileStorage) backup(target string) error {
	bak := target + backupExt
	if err := os.Remove(bak); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "failed to remove old backup")
	}
	err := os.Link(target, bak)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	// Hard links aren't supported everywhere, fall back to a copy.
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return eris.Wrap(err, "failed to read previous snapshot")
	}
	if err := os.WriteFile(bak, data, 0o600); err != nil {
		return eris.Wrap(err, "failed to back up previous snapshot")
	}
	return nil
}

func (f *FileStorage) syncDir() error {
	d, err := os.Open(f.dir)
	if err != nil {
		return eris.Wrapf(err, "failed to open snapshot dir %s", f.dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return eris.Wrapf(err, "failed to sync snapshot dir %s", f.dir)
	}
	return nil
}

func (f *FileStorage) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "context done")
	}
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "no snapshot named %q", name)
		}
		return nil, eris.Wrapf(err, "failed to read snapshot %q", name)
	}
	return data, nil
}

// LoadBackup retrieves the save that name replaced most recently.
func (f *FileStorage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "context done")
	}
	data, err := os.ReadFile(f.path(name) + backupExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "no backup of %q", name)
		}
		return nil, eris.Wrapf(err, "failed to read backup of %q", name)
	}
	return data, nil
}

func (f *FileStorage) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "context done")
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read snapshot dir %s", f.dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok || ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (f *FileStorage) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "context done")
	}
	for _, p := range []string{f.path(name), f.path(name) + backupExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "failed to remove %s", p)
		}
	}
	return nil
}
