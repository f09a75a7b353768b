// Package store keeps session and finished-task history so a restarted
// agent resumes its session instead of starting a new one.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

type Session struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRecord is a finished task. Task ids restart with every process, so
// records are ordered by insertion, not by TaskID.
type TaskRecord struct {
	SessionID  string    `json:"session_id"`
	TaskID     uint64    `json:"task_id"`
	Kind       string    `json:"kind"`
	Details    string    `json:"details,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Store interface {
	// OpenSession returns the session, creating it when missing. created
	// reports which of the two happened.
	OpenSession(ctx context.Context, id, target string, now time.Time) (sess Session, created bool, err error)
	SaveTask(ctx context.Context, rec TaskRecord) error
	// ListTasks returns up to limit records, newest first. limit <= 0 means all.
	ListTasks(ctx context.Context, sessionID string, limit int) ([]TaskRecord, error)
	// Compact keeps the newest keep records and returns how many were dropped.
	Compact(ctx context.Context, sessionID string, keep int) (int, error)
	Close() error
}
