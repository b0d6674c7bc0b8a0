package store

import (
	"context"
	"encoding/json"
	"time"

	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// RecordMetricsSnapshot persists a Health Monitor sample. GET /stats does not
// read these rows; it serves the live queue counts only.
func (s *Store) RecordMetricsSnapshot(ctx context.Context, snap *v1.MetricsSnapshot) error {
	metadataJSON, err := json.Marshal(snap.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	snap.CreatedAt = time.Now().UTC()

	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO metrics (
			timestamp, total_tasks, pending_tasks, running_tasks, completed_tasks,
			failed_tasks, avg_execution_time, success_rate, active_workers, queue_depth,
			memory_used, memory_total, metadata_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), snap.Timestamp, snap.TotalTasks, snap.PendingTasks, snap.RunningTasks,
		snap.CompletedTasks, snap.FailedTasks, snap.AvgExecutionTime, snap.SuccessRate,
		snap.ActiveWorkers, snap.QueueDepth, snap.MemoryUsed, snap.MemoryTotal,
		string(metadataJSON), snap.CreatedAt,
	)
	return wrapStoreErr(err, "failed to record metrics snapshot")
}

// LatestMetricsSnapshot returns the most recently recorded sample, or nil if none exist.
func (s *Store) LatestMetricsSnapshot(ctx context.Context) (*v1.MetricsSnapshot, error) {
	var snap v1.MetricsSnapshot
	var metadataJSON string

	err := s.reader().QueryRowContext(ctx, `
		SELECT id, timestamp, total_tasks, pending_tasks, running_tasks, completed_tasks,
		       failed_tasks, avg_execution_time, success_rate, active_workers, queue_depth,
		       memory_used, memory_total, metadata_json, created_at
		FROM metrics ORDER BY timestamp DESC LIMIT 1
	`).Scan(&snap.ID, &snap.Timestamp, &snap.TotalTasks, &snap.PendingTasks, &snap.RunningTasks,
		&snap.CompletedTasks, &snap.FailedTasks, &snap.AvgExecutionTime, &snap.SuccessRate,
		&snap.ActiveWorkers, &snap.QueueDepth, &snap.MemoryUsed, &snap.MemoryTotal,
		&metadataJSON, &snap.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load latest metrics snapshot")
	}
	_ = json.Unmarshal([]byte(metadataJSON), &snap.Metadata)
	return &snap, nil
}
