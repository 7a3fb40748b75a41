// Package profilestore manages the master browser profile directory and
// its disposable per-job clones on disk (C1 in SPEC_FULL.md §4.1).
package profilestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
)

// Layout describes where a cloned (or the master) profile lives on disk.
type Layout struct {
	UserDataDir   string
	ProfileSubdir string
	FullPath      string
}

// Store performs clone/delete/backup/restore against profile directories.
type Store struct {
	logger        arbor.ILogger
	skipFileBytes int64
}

// New constructs a profile store. skipFileBytes is the cache-file size
// threshold (CLONE_FILE_SKIP_SIZE, default ~25MB) above which clone()
// skips copying a file.
func New(logger arbor.ILogger, skipFileBytes int64) *Store {
	return &Store{logger: logger, skipFileBytes: skipFileBytes}
}

// Clone performs a best-effort recursive copy of masterDir into destDir.
// Files whose name contains "lock" (case-insensitive) or that exceed the
// configured skip threshold are skipped rather than failing the clone -
// they're either process locks or caches the portal session doesn't need.
func (s *Store) Clone(masterDir, destDir string) (Layout, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Layout{}, joberrors.New(joberrors.KindProfileIO, "pre-submission", fmt.Errorf("create clone dir: %w", err))
	}

	err := filepath.Walk(masterDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("profilestore: skipping unreadable entry during clone")
			return nil
		}

		rel, relErr := filepath.Rel(masterDir, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(destDir, rel)

		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				s.logger.Warn().Err(err).Str("path", target).Msg("profilestore: failed to create directory during clone")
			}
			return nil
		}

		if strings.Contains(strings.ToLower(info.Name()), "lock") {
			return nil
		}
		if s.skipFileBytes > 0 && info.Size() > s.skipFileBytes {
			return nil
		}

		if err := copyFile(path, target, info.Mode()); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("profilestore: failed to copy file during clone, continuing")
		}
		return nil
	})
	if err != nil {
		return Layout{}, joberrors.New(joberrors.KindProfileIO, "pre-submission", fmt.Errorf("walk master profile: %w", err))
	}

	return Layout{
		UserDataDir:   destDir,
		ProfileSubdir: "Default",
		FullPath:      filepath.Join(destDir, "Default"),
	}, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Delete recursively removes dir. Idempotent: a missing directory is not
// an error. A partial removal failure surfaces as ProfileIOError.
func (s *Store) Delete(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return joberrors.New(joberrors.KindProfileIO, "pre-submission", fmt.Errorf("delete %s: %w", dir, err))
	}
	return nil
}

// Backup copies dir to a sibling directory suffixed with a timestamp and
// returns its path. Used only by the nuclear recovery level before it
// deletes the master profile.
func (s *Store) Backup(dir string) (string, error) {
	backupPath := fmt.Sprintf("%s.backup-%s", dir, time.Now().UTC().Format("20060102T150405"))
	if _, err := s.Clone(dir, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// Restore is the inverse of Backup: it replaces dir's contents with
// backupPath's, used only when nuclear recovery's fresh login fails.
func (s *Store) Restore(backupPath, dir string) error {
	if err := s.Delete(dir); err != nil {
		return err
	}
	if _, err := s.Clone(backupPath, dir); err != nil {
		return err
	}
	return nil
}
