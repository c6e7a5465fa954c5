package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/tunneldl/api/models"
)

const recordFileName = "config.json"

var ErrStoreUnavailable = errors.New("storage unavailable")

// RecordStore persists the ConfigRecord as a single JSON file.
// Every write goes through one mutex and lands via temp file + rename,
// so a crash mid-write leaves the previous record intact.
type RecordStore struct {
	dir  string
	path string
	mu   sync.Mutex
}

// Open prepares dataDir and verifies that it is writable
func Open(dataDir string) (*RecordStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStoreUnavailable, dataDir, err)
	}

	probe, err := os.CreateTemp(dataDir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not writable: %v", ErrStoreUnavailable, dataDir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	s := &RecordStore{
		dir:  dataDir,
		path: filepath.Join(dataDir, recordFileName),
	}
	s.removeStaleTemps()
	return s, nil
}

func (s *RecordStore) Path() string {
	return s.path
}

// Load returns the stored record, or nil when setup has never been committed
func (s *RecordStore) Load() (*models.ConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save validates and atomically replaces the record
func (s *RecordStore) Save(rec *models.ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(rec)
}

// Update runs fn against the current record (an empty one if none exists)
// and saves the result. fn returning an error aborts without writing.
func (s *RecordStore) Update(fn func(rec *models.ConfigRecord) error) (*models.ConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &models.ConfigRecord{}
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// IsSetupComplete is a convenience for gating the setup wizard
func (s *RecordStore) IsSetupComplete() bool {
	rec, err := s.Load()
	if err != nil {
		log.Printf("[Store] Failed to read config record: %v", err)
		return false
	}
	return rec != nil && rec.SetupComplete
}

func (s *RecordStore) load() (*models.ConfigRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read config record: %v", ErrStoreUnavailable, err)
	}

	var rec models.ConfigRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode config record: %w", err)
	}
	return &rec, nil
}

func (s *RecordStore) save(rec *models.ConfigRecord) error {
	if rec == nil {
		return errors.New("config record is nil")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write config record: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync config record: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: replace config record: %v", ErrStoreUnavailable, err)
	}
	committed = true
	return nil
}

// removeStaleTemps clears temp files left by a crash during save
func (s *RecordStore) removeStaleTemps() {
	matches, _ := filepath.Glob(filepath.Join(s.dir, ".config-*.tmp"))
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			log.Printf("[Store] Removed stale temp file %s", filepath.Base(m))
		}
	}
}
