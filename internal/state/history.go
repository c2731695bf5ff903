package state

import (
	"database/sql"
	"fmt"
	"time"
)

// TaskRecord is the persisted terminal outcome of one transfer task.
type TaskRecord struct {
	TaskID     int64
	Direction  string
	LocalPath  string
	Remote     string
	Fid        string
	Status     string
	Error      string
	Size       int64
	CreatedAt  int64
	FinishedAt int64
}

// AddToHistory appends a terminal task outcome.
func AddToHistory(rec TaskRecord) error {
	if rec.FinishedAt == 0 {
		rec.FinishedAt = time.Now().Unix()
	}
	return withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (task_id, direction, local_path, remote, fid, status, error, size, created_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.TaskID, rec.Direction, rec.LocalPath, rec.Remote, rec.Fid, rec.Status, rec.Error, rec.Size, rec.CreatedAt, rec.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task history: %w", err)
		}
		return nil
	})
}

// LoadHistory returns up to limit records, newest first. limit <= 0 means all.
func LoadHistory(limit int) ([]TaskRecord, error) {
	d, err := GetDB()
	if err != nil {
		return nil, err
	}
	query := `SELECT task_id, direction, local_path, remote, fid, status, error, size, created_at, finished_at
		FROM tasks ORDER BY id DESC`
	var rows *sql.Rows
	if limit > 0 {
		rows, err = d.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = d.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(&r.TaskID, &r.Direction, &r.LocalPath, &r.Remote, &r.Fid, &r.Status, &r.Error, &r.Size, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
