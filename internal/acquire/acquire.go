// Package acquire downloads an extension archive, unpacks it into a
// scratch directory, locates the package root and validates its manifest.
package acquire

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxArchiveBytes   int64 = 512 << 20
	maxExtractedBytes int64 = 2 << 30
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9]`)

// ValidationError reports a package that cannot be installed as given.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PackageNamer lists installed package names mapped to identifiers.
type PackageNamer interface {
	PackageNames(ctx context.Context) (map[string]string, error)
}

type Acquirer struct {
	client *http.Client
	tmpDir string
	logger *slog.Logger
}

func New(tmpDir string, client *http.Client, logger *slog.Logger) *Acquirer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{client: client, tmpDir: tmpDir, logger: logger}
}

func (a *Acquirer) DownloadsDir() string { return filepath.Join(a.tmpDir, "downloads") }
func (a *Acquirer) ExtractDir() string   { return filepath.Join(a.tmpDir, "extract") }

// ArchiveName is the download file name for an extension version.
func ArchiveName(identifier, version, op string) string {
	return fmt.Sprintf("%s-%s-%s.zip", unsafeName.ReplaceAllString(identifier, "_"),
		unsafeName.ReplaceAllString(version, "_"), unsafeName.ReplaceAllString(op, "_"))
}

// Download fetches url into tmp/downloads and returns the archive path.
func (a *Acquirer) Download(ctx context.Context, url, identifier, op, version string) (string, error) {
	if err := os.MkdirAll(a.DownloadsDir(), 0o755); err != nil {
		return "", fmt.Errorf("create downloads dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download package: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download package: unexpected status %d", resp.StatusCode)
	}

	path := filepath.Join(a.DownloadsDir(), ArchiveName(identifier, version, op))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxArchiveBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > maxArchiveBytes {
		err = &ValidationError{Message: fmt.Sprintf("package archive exceeds %d bytes", maxArchiveBytes)}
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write archive: %w", err)
	}
	a.logger.Debug("package downloaded", "identifier", identifier, "version", version, "bytes", n)
	return path, nil
}

// Extract unpacks archivePath into a fresh tmp/extract/<op>-<uuid>
// directory. Entries escaping the directory and symlinks are rejected.
func (a *Acquirer) Extract(ctx context.Context, archivePath, op string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", &ValidationError{Message: "package is not a valid zip archive", Err: err}
	}
	defer zr.Close()

	dest := filepath.Join(a.ExtractDir(), op+"-"+uuid.NewString())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}
	fail := func(err error) (string, error) {
		_ = os.RemoveAll(dest)
		return "", err
	}

	var total int64
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		target, err := entryPath(dest, zf.Name)
		if err != nil {
			return fail(err)
		}
		mode := zf.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return fail(&ValidationError{Message: fmt.Sprintf("symlink not allowed in package: %s", zf.Name)})
		case zf.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fail(fmt.Errorf("create dir %s: %w", zf.Name, err))
			}
			continue
		case !mode.IsRegular():
			return fail(&ValidationError{Message: fmt.Sprintf("unsupported entry in package: %s", zf.Name)})
		}
		n, err := extractFile(zf, target, maxExtractedBytes-total)
		if err != nil {
			return fail(err)
		}
		total += n
	}
	return dest, nil
}

func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &ValidationError{Message: fmt.Sprintf("illegal path in package: %s", name)}
	}
	return filepath.Join(dest, clean), nil
}

func extractFile(zf *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", zf.Name, err)
	}
	rc, err := zf.Open()
	if err != nil {
		return 0, &ValidationError{Message: fmt.Sprintf("corrupt entry %s", zf.Name), Err: err}
	}
	defer rc.Close()

	perm := zf.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", zf.Name, err)
	}
	defer out.Close()
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, &ValidationError{Message: fmt.Sprintf("corrupt entry %s", zf.Name), Err: err}
	}
	if n > budget {
		return n, &ValidationError{Message: "package expands beyond the size limit"}
	}
	return n, nil
}

// ResolveRoot finds the package root: dir itself when it holds build/ and
// .output/public/, otherwise the first immediate subdirectory that does.
func ResolveRoot(dir string) (string, error) {
	if isPackageRoot(dir) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extracted package: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		if isPackageRoot(candidate) {
			return candidate, nil
		}
	}
	return "", &ValidationError{Message: "package root not found: expected build/ and .output/public/"}
}

func isPackageRoot(dir string) bool {
	return isDir(filepath.Join(dir, "build")) && isDir(filepath.Join(dir, ".output", "public"))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CheckCollision fails when manifestName is already claimed by an
// installed extension, running cleanup first.
func CheckCollision(ctx context.Context, manifestName string, installed PackageNamer, cleanup func()) error {
	names, err := installed.PackageNames(ctx)
	if err != nil {
		return fmt.Errorf("list installed packages: %w", err)
	}
	owner, taken := names[manifestName]
	if !taken {
		return nil
	}
	if cleanup != nil {
		cleanup()
	}
	return &ValidationError{Message: fmt.Sprintf("package %q is already installed as %q", manifestName, owner)}
}

// Request describes one package to acquire.
type Request struct {
	URL        string
	Identifier string
	Op         string
	Version    string
	// Fresh enables the package-name collision check.
	Fresh bool
	// OnCollision runs after the temp files are removed when a fresh
	// install is rejected, to clear partial state left for Identifier.
	OnCollision func()
}

// Package is an acquired, validated package ready for the installer.
type Package struct {
	Root        string
	Manifest    *Manifest
	ArchivePath string
	ExtractDir  string
	logger      *slog.Logger
}

// Cleanup removes the archive and the extraction directory. Best-effort.
func (p *Package) Cleanup() {
	if p == nil {
		return
	}
	for _, path := range []string{p.ArchivePath, p.ExtractDir} {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil && p.logger != nil {
			p.logger.Warn("temp cleanup failed", "path", path, "error", err)
		}
	}
}

// Prepare runs download, extract, root resolution, manifest validation
// and, for fresh installs, the collision check. Temp artifacts are removed
// on failure; on success the caller owns them via Package.Cleanup.
func (a *Acquirer) Prepare(ctx context.Context, req Request, installed PackageNamer) (*Package, error) {
	pkg := &Package{logger: a.logger}

	archive, err := a.Download(ctx, req.URL, req.Identifier, req.Op, req.Version)
	if err != nil {
		return nil, err
	}
	pkg.ArchivePath = archive

	dir, err := a.Extract(ctx, archive, req.Op)
	if err != nil {
		pkg.Cleanup()
		return nil, err
	}
	pkg.ExtractDir = dir

	root, err := ResolveRoot(dir)
	if err != nil {
		pkg.Cleanup()
		return nil, err
	}
	pkg.Root = root

	manifest, err := ReadManifest(root)
	if err != nil {
		pkg.Cleanup()
		return nil, err
	}
	pkg.Manifest = manifest

	if req.Fresh && installed != nil {
		cleanup := func() {
			pkg.Cleanup()
			if req.OnCollision != nil {
				req.OnCollision()
			}
		}
		if err := CheckCollision(ctx, manifest.Name, installed, cleanup); err != nil {
			return nil, err
		}
	}
	a.logger.Info("package acquired", "identifier", req.Identifier, "version", req.Version, "package", manifest.Name)
	return pkg, nil
}
