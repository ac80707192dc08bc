package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/pimage/internal/provision"
)

// LocalRecordRepository persists run records as JSON files in the record
// directory of each workspace.
type LocalRecordRepository struct{}

// Save writes the record to disk using its ID as the filename.
func (rep *LocalRecordRepository) Save(ws provision.Workspace, record provision.Record) error {
	if ws.RecordDir == "" {
		return errors.New("record directory is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}

	if err := os.MkdirAll(ws.RecordDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(ws.RecordDir, record.ID+".json")
	tmp := path + ".part"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// List returns every record in dir, newest first.
func (rep *LocalRecordRepository) List(dir string) ([]provision.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []provision.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := rep.loadRecord(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		records = append(records, *record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Get returns the record with the provided ID, or nil when none exists.
func (rep *LocalRecordRepository) Get(dir, id string) (*provision.Record, error) {
	if id == "" {
		return nil, errors.New("record id is required")
	}
	if filepath.Base(id) != id || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid record id %q", id)
	}
	return rep.loadRecord(filepath.Join(dir, id+".json"))
}

func (rep *LocalRecordRepository) loadRecord(path string) (*provision.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record provision.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &record, nil
}
