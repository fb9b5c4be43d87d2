// Package cron schedules recurring agent prompts. Jobs persist in a JSON
// file under the workspace and fire through the message bus as
// system-channel inbound messages, so replies flow through the normal
// dispatch path.
package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Job is one scheduled prompt. Channel and ChatID record where the output
// should be delivered; the scheduler runs each job in its own session.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Expr      string    `json:"expr"`
	Prompt    string    `json:"prompt"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
}

// Store keeps the job list in memory and snapshots it to disk on every
// mutation.
type Store struct {
	path string

	mu   sync.Mutex
	jobs []Job
}

// NewStore loads the job file at path, treating a missing file as empty.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	if err := json.Unmarshal(data, &s.jobs); err != nil {
		return nil, fmt.Errorf("parse cron store: %w", err)
	}
	return s, nil
}

func (s *Store) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID {
			return fmt.Errorf("cron job already exists: %s", job.ID)
		}
	}
	s.jobs = append(s.jobs, job)
	return s.save()
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("cron job not found: %s", id)
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// List returns the jobs ordered by creation time.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Job(nil), s.jobs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkRun records a firing and the computed next run time.
func (s *Store) MarkRun(id string, ranAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].LastRun = ranAt
			s.jobs[i].NextRun = next
			return s.save()
		}
	}
	return fmt.Errorf("cron job not found: %s", id)
}

// save writes the job list via a temp file and rename. Caller holds mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron jobs: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	cleanup = false
	return nil
}
