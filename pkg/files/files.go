package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openscience-archive/osa/pkg/srn"
)

const (
	// DefaultBasePath is the base directory for archive file storage
	DefaultBasePath = "/var/lib/osa/files"

	depositionsDir = "depositions"
	sourcesDir     = "sources"
	hooksDir       = "hooks"
)

// Layout manages the canonical on-disk layout of archive files:
//
//	depositions/{domain}_{localID}/            uploaded deposition files
//	sources/{convention}/{runID}/staging/      files staged by source pulls
//	hooks/{deposition}/{hook}/                 hook output (features.json)
//
// Every name that reaches the filesystem is validated first, so a caller
// cannot traverse outside the base directory.
type Layout struct {
	basePath string
}

// NewLayout creates a layout rooted at basePath, creating it if needed.
func NewLayout(basePath string) (*Layout, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create files directory: %w", err)
	}
	return &Layout{basePath: basePath}, nil
}

// BasePath returns the layout's root directory.
func (l *Layout) BasePath() string {
	return l.basePath
}

// ValidateFileName rejects names that could escape their directory: path
// separators, parent references, or anything that cleans to a different
// name.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file name %q contains a path separator", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("file name %q is a directory reference", name)
	}
	if filepath.Clean(name) != name {
		return fmt.Errorf("file name %q is not canonical", name)
	}
	return nil
}

// fold renders an SRN as a single path component.
func fold(id srn.SRN) string {
	out := id.Domain() + "_" + id.LocalID()
	if v := id.Version(); v != "" {
		out += "_" + strings.ReplaceAll(v, ".", "_")
	}
	return out
}

// DepositionDir returns (and creates) the files directory of one
// deposition.
func (l *Layout) DepositionDir(depositionSRN srn.SRN) (string, error) {
	dir := filepath.Join(l.basePath, depositionsDir, fold(depositionSRN))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create deposition directory: %w", err)
	}
	return dir, nil
}

// SaveFile streams content into a deposition's directory and returns the
// byte count and content hash.
func (l *Layout) SaveFile(depositionSRN srn.SRN, name string, content io.Reader) (int64, string, error) {
	if err := ValidateFileName(name); err != nil {
		return 0, "", err
	}
	dir, err := l.DepositionDir(depositionSRN)
	if err != nil {
		return 0, "", err
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return 0, "", fmt.Errorf("create file %q: %w", name, err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), content)
	if err != nil {
		return 0, "", fmt.Errorf("write file %q: %w", name, err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// OpenFile opens one stored deposition file for reading.
func (l *Layout) OpenFile(depositionSRN srn.SRN, name string) (*os.File, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.basePath, depositionsDir, fold(depositionSRN), name))
	if err != nil {
		return nil, fmt.Errorf("open file %q: %w", name, err)
	}
	return f, nil
}

// RemoveFile deletes one stored deposition file. Removing a file that is
// already gone is not an error.
func (l *Layout) RemoveFile(depositionSRN srn.SRN, name string) error {
	if err := ValidateFileName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.basePath, depositionsDir, fold(depositionSRN), name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file %q: %w", name, err)
	}
	return nil
}

// ImportFile moves a staged file into a deposition's directory. Used when
// source-pulled records become depositions. Falls back to copying when the
// staging area is on another filesystem.
func (l *Layout) ImportFile(depositionSRN srn.SRN, stagedPath string) (int64, string, error) {
	name := filepath.Base(stagedPath)
	if err := ValidateFileName(name); err != nil {
		return 0, "", err
	}

	src, err := os.Open(stagedPath)
	if err != nil {
		return 0, "", fmt.Errorf("open staged file %q: %w", stagedPath, err)
	}
	defer src.Close()

	size, sum, err := l.SaveFile(depositionSRN, name, src)
	if err != nil {
		return 0, "", err
	}
	_ = os.Remove(stagedPath)
	return size, sum, nil
}

// SourceRunDir returns (and creates) the working directory of one source
// run, with staging/ and output/ beneath it.
func (l *Layout) SourceRunDir(conventionSRN srn.SRN, runID string) (string, error) {
	if err := ValidateFileName(runID); err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	dir := filepath.Join(l.basePath, sourcesDir, fold(conventionSRN), runID)
	for _, sub := range []string{"staging", "output"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("create source run directory: %w", err)
		}
	}
	return dir, nil
}

// StagingDir returns the staging subdirectory of a source run directory.
func StagingDir(runDir string) string {
	return filepath.Join(runDir, "staging")
}

// OutputDir returns the output subdirectory of a source run directory.
func OutputDir(runDir string) string {
	return filepath.Join(runDir, "output")
}

// HookDir returns (and creates) the output directory of one hook run
// against one deposition.
func (l *Layout) HookDir(depositionSRN srn.SRN, hookName string) (string, error) {
	if err := ValidateFileName(hookName); err != nil {
		return "", fmt.Errorf("hook name: %w", err)
	}
	dir := filepath.Join(l.basePath, hooksDir, fold(depositionSRN), hookName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create hook directory: %w", err)
	}
	return dir, nil
}

// CleanupSourceRun removes a finished run's output directory, and the
// whole run directory once its staging area has drained. Staged files
// belong to source records that may not have been imported yet; they are
// reclaimed one by one as ImportFile moves them out.
func (l *Layout) CleanupSourceRun(conventionSRN srn.SRN, runID string) error {
	if err := ValidateFileName(runID); err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	dir := filepath.Join(l.basePath, sourcesDir, fold(conventionSRN), runID)
	if err := os.RemoveAll(OutputDir(dir)); err != nil {
		return fmt.Errorf("remove source output directory: %w", err)
	}

	staged, err := os.ReadDir(StagingDir(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read staging directory: %w", err)
	}
	if len(staged) > 0 {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove source run directory: %w", err)
	}
	return nil
}
