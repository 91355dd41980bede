package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openscience-archive/osa/pkg/domain"
)

// Mount binds one host directory into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes one container run. Hooks and sources share the same
// contract: config arrives as OSA_* environment variables, input and
// output travel through bind mounts, and results are files the process
// writes before exiting.
type Spec struct {
	// ID names the container instance; must be unique per run.
	ID     string
	Image  string
	Digest string
	Env    map[string]string
	Mounts []Mount
	Limits domain.ResourceLimits
}

// Result is the terminal state of one container run.
type Result struct {
	ExitCode uint32
}

// Runner executes one container to completion.
type Runner interface {
	// Run pulls the image if needed, runs the container, and waits for
	// it to exit. A non-zero exit code is a Result, not an error; errors
	// mean the run itself could not be carried out.
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Hook output protocol: a hook writes result.json with its verdict and,
// when it extracts features, features.json with one object per row.

const (
	hookResultFile   = "result.json"
	hookFeaturesFile = "features.json"
)

// HookVerdict is the verdict a hook writes to result.json.
type HookVerdict struct {
	// Status is "completed", "rejected" or "failed".
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ReadHookVerdict loads a hook's verdict from its output directory. A
// missing result file is a failed run.
func ReadHookVerdict(outputDir string) (HookVerdict, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, hookResultFile))
	if err != nil {
		return HookVerdict{}, fmt.Errorf("read hook result: %w", err)
	}
	var v HookVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return HookVerdict{}, fmt.Errorf("parse hook result: %w", err)
	}
	switch v.Status {
	case "completed", "rejected", "failed":
	default:
		return HookVerdict{}, fmt.Errorf("hook result has unknown status %q", v.Status)
	}
	return v, nil
}

// ReadFeatureRows loads a hook's extracted feature rows. A hook without a
// feature schema writes no features file; that reads as zero rows.
func ReadFeatureRows(outputDir string) ([]map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, hookFeaturesFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	return rows, nil
}

// Source output protocol: a source writes records.jsonl with one record
// per line and session.json describing whether more chunks remain.

const (
	sourceRecordsFile = "records.jsonl"
	sourceSessionFile = "session.json"
)

// SourceRecord is one record pulled from an upstream source.
type SourceRecord struct {
	// SourceID is the upstream identifier, used for idempotent re-pulls.
	SourceID string         `json:"source_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Files are names relative to the staging directory.
	Files []string `json:"files,omitempty"`
}

// SourceSession is the continuation state a source leaves behind.
type SourceSession struct {
	HasMore bool           `json:"has_more"`
	Session map[string]any `json:"session,omitempty"`
}

// ReadSourceSession loads the continuation state from a source run's
// output directory. A missing session file means the run is complete.
func ReadSourceSession(outputDir string) (SourceSession, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, sourceSessionFile))
	if os.IsNotExist(err) {
		return SourceSession{}, nil
	}
	if err != nil {
		return SourceSession{}, fmt.Errorf("read source session: %w", err)
	}
	var s SourceSession
	if err := json.Unmarshal(data, &s); err != nil {
		return SourceSession{}, fmt.Errorf("parse source session: %w", err)
	}
	return s, nil
}

// RecordIterator streams records.jsonl one record at a time, so a large
// pull never has to fit in memory.
type RecordIterator struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenRecords opens the record stream of a source run's output directory.
// A run that pulled nothing may not have written the file; that yields an
// iterator that is immediately exhausted.
func OpenRecords(outputDir string) (*RecordIterator, error) {
	f, err := os.Open(filepath.Join(outputDir, sourceRecordsFile))
	if os.IsNotExist(err) {
		return &RecordIterator{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &RecordIterator{f: f, scanner: scanner}, nil
}

// Next returns the next record, or io.EOF when the stream is exhausted.
func (it *RecordIterator) Next() (*SourceRecord, error) {
	if it.scanner == nil {
		return nil, io.EOF
	}
	for it.scanner.Scan() {
		it.line++
		line := it.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec SourceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse record on line %d: %w", it.line, err)
		}
		if rec.SourceID == "" {
			return nil, fmt.Errorf("record on line %d has no source_id", it.line)
		}
		return &rec, nil
	}
	if err := it.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying file.
func (it *RecordIterator) Close() error {
	if it.f == nil {
		return nil
	}
	return it.f.Close()
}

// ConfigEnv renders a hook or source config map as OSA_* environment
// variables plus the extra pairs the pipeline injects.
func ConfigEnv(config map[string]string, extra map[string]string) map[string]string {
	env := make(map[string]string, len(config)+len(extra))
	for k, v := range config {
		env["OSA_CONFIG_"+k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}
