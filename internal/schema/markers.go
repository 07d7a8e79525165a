package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// InstallMarkerPath is data/.installed inside an extension directory. Its
// presence means seeding already ran.
func InstallMarkerPath(dir string) string {
	return filepath.Join(dir, "data", ".installed")
}

// VersionMarkerPath is data/versions/<version>. Its presence means the
// version-scoped migrations for that version already ran.
func VersionMarkerPath(dir, version string) string {
	return filepath.Join(dir, "data", "versions", versionSegment(version))
}

func versionSegment(version string) string {
	s := unsafeSegment.ReplaceAllString(version, "_")
	if s == "." || s == ".." {
		s = "_"
	}
	return s
}

func HasInstallMarker(dir string) bool {
	return exists(InstallMarkerPath(dir))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeMarker(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
