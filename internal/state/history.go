package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/melih-ucgun/rumi/internal/core"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusDryRun  Status = "dry-run"
)

// Operation is one journal entry: a backup, restore, delete, cleanup or
// deploy run against a host.
type Operation struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"` // backup.create, hosting.install, ...
	Deployment string    `json:"deployment,omitempty"`
	Host       string    `json:"host,omitempty"`
	Status     Status    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Duration   string    `json:"duration,omitempty"`
}

// HistoryManager manages the persistent history of operations
type HistoryManager struct {
	HistoryFile string
	MaxEntries  int

	mu  sync.Mutex
	now func() time.Time
}

const defaultMaxEntries = 500

// NewHistoryManager journals to file, or to ~/.rumi/history.json when file
// is empty.
func NewHistoryManager(file string) *HistoryManager {
	if file == "" {
		home, _ := os.UserHomeDir()
		file = filepath.Join(home, ".rumi", "history.json")
	}
	return &HistoryManager{
		HistoryFile: file,
		MaxEntries:  defaultMaxEntries,
		now:         time.Now,
	}
}

// Record appends op, filling in the ID and timestamp when unset. The oldest
// entries are dropped beyond MaxEntries.
func (hm *HistoryManager) Record(op Operation) (Operation, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = hm.now().UTC()
	}

	history, err := hm.load()
	if err != nil {
		return op, err
	}
	history = append(history, op)
	if hm.MaxEntries > 0 && len(history) > hm.MaxEntries {
		history = history[len(history)-hm.MaxEntries:]
	}
	return op, hm.save(history)
}

// Track runs fn and records its outcome under kind.
func (hm *HistoryManager) Track(kind, deployment, host string, fn func() (string, error)) error {
	start := hm.now()
	detail, err := fn()
	op := Operation{
		Kind:       kind,
		Deployment: deployment,
		Host:       host,
		Status:     StatusSuccess,
		Detail:     detail,
		Duration:   hm.now().Sub(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		op.Status = StatusFailed
		op.Detail = err.Error()
	}
	if _, recErr := hm.Record(op); recErr != nil {
		return errors.Join(err, fmt.Errorf("record history: %w", recErr))
	}
	return err
}

// List returns up to limit operations, newest first. limit <= 0 means all.
func (hm *HistoryManager) List(limit int) ([]Operation, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	history, err := hm.load()
	if err != nil {
		return nil, err
	}
	slices.Reverse(history)
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// Get finds an operation by ID.
func (hm *HistoryManager) Get(id string) (Operation, error) {
	ops, err := hm.List(0)
	if err != nil {
		return Operation{}, err
	}
	for _, op := range ops {
		if op.ID == id {
			return op, nil
		}
	}
	return Operation{}, &core.NotFoundError{Resource: "operation", ID: id}
}

func (hm *HistoryManager) load() ([]Operation, error) {
	data, err := os.ReadFile(hm.HistoryFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var history []Operation
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, &core.ParseError{What: "history file", Input: hm.HistoryFile, Err: err}
	}
	return history, nil
}

func (hm *HistoryManager) save(history []Operation) error {
	if err := os.MkdirAll(filepath.Dir(hm.HistoryFile), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(hm.HistoryFile, data, 0o600)
}
