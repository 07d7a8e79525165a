// Package installer places an acquired package tree at its install
// directory, keeping preserved paths across upgrades.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrInvalidLayout marks an install directory missing build/ or .output/public/.
var ErrInvalidLayout = errors.New("invalid extension layout")

var vcsDirs = map[string]bool{".git": true, ".hg": true, ".svn": true}

type Options struct {
	// PreservedPaths are relative paths carried over on upgrade. Defaults
	// to data and storage.
	PreservedPaths []string
	// BackupDir holds preserved copies while the tree is replaced.
	BackupDir string
	// AtomicSwap stages the new tree beside the target and swaps it in by
	// rename, so the directory is never empty.
	AtomicSwap bool
	Logger     *slog.Logger
}

type Installer struct {
	preserved  []string
	backupDir  string
	atomicSwap bool
	logger     *slog.Logger
}

func New(opts Options) *Installer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PreservedPaths == nil {
		opts.PreservedPaths = []string{"data", "storage"}
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(os.TempDir(), "extensiond-backup")
	}
	return &Installer{
		preserved:  opts.PreservedPaths,
		backupDir:  opts.BackupDir,
		atomicSwap: opts.AtomicSwap,
		logger:     opts.Logger,
	}
}

// Install copies src to target. A fresh install replaces anything stale at
// target; an upgrade keeps the preserved paths of the existing tree, with
// the preserved copy winning over files shipped in the new package.
func (i *Installer) Install(ctx context.Context, src, target string, fresh bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create extensions dir: %w", err)
	}
	if !fresh && !isDir(target) {
		i.logger.Warn("upgrade target missing, installing fresh", "target", target)
		fresh = true
	}

	var backup string
	if !fresh {
		var err error
		backup, err = i.backupPreserved(target)
		if err != nil {
			return err
		}
		defer func() {
			if err := os.RemoveAll(backup); err != nil {
				i.logger.Warn("backup cleanup failed", "path", backup, "error", err)
			}
		}()
	}

	var err error
	if i.atomicSwap {
		err = i.swapIn(src, target, backup)
	} else {
		err = i.replaceInPlace(src, target, backup)
	}
	if err != nil {
		return err
	}
	if err := ValidateLayout(target); err != nil {
		return err
	}
	i.logger.Info("extension files installed", "target", target, "fresh", fresh, "atomic_swap", i.atomicSwap)
	return nil
}

func (i *Installer) replaceInPlace(src, target, backup string) error {
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove old tree: %w", err)
	}
	if err := copyTree(src, target); err != nil {
		return err
	}
	return i.restorePreserved(backup, target)
}

func (i *Installer) swapIn(src, target, backup string) error {
	staged, err := os.MkdirTemp(filepath.Dir(target), filepath.Base(target)+".staged-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	if err := copyTree(src, staged); err != nil {
		return err
	}
	if err := i.restorePreserved(backup, staged); err != nil {
		return err
	}
	if err := ValidateLayout(staged); err != nil {
		return err
	}

	old := target + ".old"
	_ = os.RemoveAll(old)
	hadOld := false
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("move old tree aside: %w", err)
		}
		hadOld = true
	}
	if err := os.Rename(staged, target); err != nil {
		if hadOld {
			if rerr := os.Rename(old, target); rerr != nil {
				i.logger.Error("restore old tree failed", "target", target, "error", rerr)
			}
		}
		return fmt.Errorf("swap in new tree: %w", err)
	}
	if hadOld {
		if err := os.RemoveAll(old); err != nil {
			i.logger.Warn("old tree cleanup failed", "path", old, "error", err)
		}
	}
	return nil
}

// backupPreserved copies each preserved path of target into a fresh
// backup directory and returns it.
func (i *Installer) backupPreserved(target string) (string, error) {
	if err := os.MkdirAll(i.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	backup := filepath.Join(i.backupDir, filepath.Base(target)+"-"+uuid.NewString())
	if err := os.MkdirAll(backup, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	for _, rel := range i.preserved {
		from := filepath.Join(target, rel)
		info, err := os.Lstat(from)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			_ = os.RemoveAll(backup)
			return "", fmt.Errorf("stat preserved %s: %w", rel, err)
		}
		to := filepath.Join(backup, rel)
		if info.IsDir() {
			err = copyTree(from, to)
		} else {
			err = copyFile(from, to, info.Mode())
		}
		if err != nil {
			_ = os.RemoveAll(backup)
			return "", fmt.Errorf("back up %s: %w", rel, err)
		}
	}
	return backup, nil
}

// restorePreserved merges the backup into dest. Files only present in dest
// stay; on a clash the backed-up copy wins.
func (i *Installer) restorePreserved(backup, dest string) error {
	if backup == "" {
		return nil
	}
	for _, rel := range i.preserved {
		from := filepath.Join(backup, rel)
		info, err := os.Lstat(from)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat backup %s: %w", rel, err)
		}
		to := filepath.Join(dest, rel)
		if info.IsDir() {
			err = copyTree(from, to)
		} else {
			err = copyFile(from, to, info.Mode())
		}
		if err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return nil
}

// ValidateLayout requires build/ and .output/public/ under dir.
func ValidateLayout(dir string) error {
	for _, rel := range []string{"build", filepath.Join(".output", "public")} {
		if !isDir(filepath.Join(dir, rel)) {
			return fmt.Errorf("%w: missing %s/ in %s", ErrInvalidLayout, filepath.ToSlash(rel), filepath.Base(dir))
		}
	}
	return nil
}

// Remove deletes an install directory. Removing a missing directory is
// not an error.
func (i *Installer) Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove extension dir: %w", err)
	}
	return nil
}

// StoredFile is a file under an extension's storage/ directory.
type StoredFile struct {
	Path string
	Size int64
}

// StorageFiles lists regular files under dir/storage with slash-separated
// paths relative to dir.
func StorageFiles(dir string) ([]StoredFile, error) {
	root := filepath.Join(dir, "storage")
	if !isDir(root) {
		return nil, nil
	}
	var out []StoredFile
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, StoredFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index storage files: %w", err)
	}
	return out, nil
}

func copyTree(srcRoot, dstRoot string) error {
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir dst: %w", err)
	}
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if vcsDirs[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dst := filepath.Join(dstRoot, rel)
		if d.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in install: %s", filepath.ToSlash(rel))
		}
		if d.IsDir() {
			if info, err := os.Lstat(dst); err == nil && !info.IsDir() {
				if err := os.Remove(dst); err != nil {
					return err
				}
			}
			return os.MkdirAll(dst, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, dst, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
