// Package runstate persists a run on disk so it can be resumed after an
// interrupt. A run directory holds three files:
//
//	config.json    run identity and configuration, written once
//	attempts.jsonl one line per model invocation
//	outcomes.jsonl one line per terminal sample outcome
//
// Both logs are append-only and fsynced per line, so the worst a crash can
// leave behind is one truncated trailing line, which readers skip.
package runstate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/internal/model"
)

const (
	configFile   = "config.json"
	attemptsFile = "attempts.jsonl"
	outcomesFile = "outcomes.jsonl"
)

// header is the immutable part of a run, written to config.json.
type header struct {
	RunID     string          `json:"run_id"`
	Config    model.RunConfig `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

// State is an open run directory. All writes go through one mutex, so a
// State is safe for concurrent use by worker goroutines.
type State struct {
	dir string
	hdr header

	mu       sync.Mutex
	attempts *os.File
	outcomes *os.File

	completed map[string]model.SampleOutcome
}

// Create initializes a fresh run directory. The directory must not already
// contain a run.
func Create(dir string, cfg model.RunConfig) (*State, error) {
	if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
		return nil, eris.Errorf("runstate: %s already contains a run", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "runstate: create run dir %s", dir)
	}

	hdr := header{
		RunID:     uuid.NewString(),
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "runstate: marshal config")
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), raw, 0o644); err != nil {
		return nil, eris.Wrapf(err, "runstate: write config %s", dir)
	}

	return open(dir, hdr, map[string]model.SampleOutcome{})
}

// Load reopens an existing run directory for resumption. The supplied config
// must describe the same experiment as the persisted one; execution knobs
// like concurrency may differ.
func Load(dir string, cfg model.RunConfig) (*State, error) {
	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrRunNotFound, "runstate: no run at %s", dir)
		}
		return nil, eris.Wrapf(err, "runstate: read config %s", dir)
	}

	var hdr header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, eris.Wrapf(err, "runstate: parse config %s", dir)
	}
	if !hdr.Config.SameExperiment(cfg) {
		return nil, eris.Wrapf(model.ErrConfigMismatch, "runstate: run at %s was created with a different configuration", dir)
	}

	completed := map[string]model.SampleOutcome{}
	outcomes, err := ReadOutcomes(dir)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		completed[o.SampleID] = o
	}

	zap.L().Info("resuming run",
		zap.String("run_id", hdr.RunID),
		zap.String("dir", dir),
		zap.Int("completed_samples", len(completed)))

	return open(dir, hdr, completed)
}

func open(dir string, hdr header, completed map[string]model.SampleOutcome) (*State, error) {
	attempts, err := os.OpenFile(filepath.Join(dir, attemptsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "runstate: open %s", attemptsFile)
	}
	outcomes, err := os.OpenFile(filepath.Join(dir, outcomesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		attempts.Close()
		return nil, eris.Wrapf(err, "runstate: open %s", outcomesFile)
	}
	return &State{
		dir:       dir,
		hdr:       hdr,
		attempts:  attempts,
		outcomes:  outcomes,
		completed: completed,
	}, nil
}

// RunID returns the run's identity.
func (s *State) RunID() string { return s.hdr.RunID }

// Dir returns the run directory.
func (s *State) Dir() string { return s.dir }

// Config returns the persisted run configuration.
func (s *State) Config() model.RunConfig { return s.hdr.Config }

// CreatedAt returns when the run was first created.
func (s *State) CreatedAt() time.Time { return s.hdr.CreatedAt }

// IsCompleted reports whether the sample already has a terminal outcome.
func (s *State) IsCompleted(sampleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[sampleID]
	return ok
}

// CompletedCount returns how many samples have terminal outcomes.
func (s *State) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// RecordAttempt appends one invocation record and syncs it to disk.
func (s *State) RecordAttempt(a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.attempts, a)
}

// RecordOutcome appends one terminal sample outcome and marks the sample
// completed.
func (s *State) RecordOutcome(o model.SampleOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.outcomes, o); err != nil {
		return err
	}
	s.completed[o.SampleID] = o
	return nil
}

// Close releases the log file handles.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.attempts.Close()
	err2 := s.outcomes.Close()
	if err1 != nil {
		return eris.Wrap(err1, "runstate: close attempts log")
	}
	if err2 != nil {
		return eris.Wrap(err2, "runstate: close outcomes log")
	}
	return nil
}

func appendLine(f *os.File, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "runstate: marshal record")
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return eris.Wrapf(err, "runstate: append %s", f.Name())
	}
	return eris.Wrapf(f.Sync(), "runstate: sync %s", f.Name())
}

// ReadConfig reads the persisted configuration of a run directory without
// opening it for writing.
func ReadConfig(dir string) (string, model.RunConfig, time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", model.RunConfig{}, time.Time{}, eris.Wrapf(model.ErrRunNotFound, "runstate: no run at %s", dir)
		}
		return "", model.RunConfig{}, time.Time{}, eris.Wrapf(err, "runstate: read config %s", dir)
	}
	var hdr header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", model.RunConfig{}, time.Time{}, eris.Wrapf(err, "runstate: parse config %s", dir)
	}
	return hdr.RunID, hdr.Config, hdr.CreatedAt, nil
}

// ReadAttempts returns every complete attempt record in the run directory.
func ReadAttempts(dir string) ([]model.Attempt, error) {
	var out []model.Attempt
	err := readLines(filepath.Join(dir, attemptsFile), func(line []byte) error {
		var a model.Attempt
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// ReadOutcomes returns every complete outcome record in the run directory.
func ReadOutcomes(dir string) ([]model.SampleOutcome, error) {
	var out []model.SampleOutcome
	err := readLines(filepath.Join(dir, outcomesFile), func(line []byte) error {
		var o model.SampleOutcome
		if err := json.Unmarshal(line, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// readLines streams a JSONL file. A malformed final line (the signature of
// a crash mid-append) is skipped; malformed lines elsewhere are errors.
func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "runstate: open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var pendingErr error
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return eris.Wrapf(pendingErr, "runstate: malformed record at %s:%d", path, lineNo-1)
		}
		if err := fn(line); err != nil {
			// Tolerated only if this turns out to be the last line.
			pendingErr = err
		}
	}
	if err := scanner.Err(); err != nil {
		return eris.Wrapf(err, "runstate: scan %s", path)
	}
	if pendingErr != nil {
		zap.L().Warn("skipping truncated trailing record", zap.String("path", path), zap.Int("line", lineNo))
	}
	return nil
}
