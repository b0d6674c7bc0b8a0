package store

// initSchema creates all tables and indexes if they do not already exist.
func (s *Store) initSchema() error {
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initTriggerSchema(); err != nil {
		return err
	}
	if err := s.initWorkflowSchema(); err != nil {
		return err
	}
	if err := s.initHistorySchema(); err != nil {
		return err
	}
	return s.initMetricsSchema()
}

func (s *Store) initTaskSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'general',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'normal',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_attempt_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT,
		error TEXT,
		error_stack TEXT,
		triggered_by TEXT,
		retry_delay INTEGER NOT NULL DEFAULT 1000,
		timeout INTEGER NOT NULL DEFAULT 30000,
		scheduled_for TIMESTAMP,
		recurring_rule TEXT,
		workflow_id TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		tags_json TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_for ON tasks(scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at_desc ON tasks(created_at DESC);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_task_id TEXT NOT NULL,
		to_task_id TEXT NOT NULL,
		dependency_type TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (from_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (to_task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_task_deps_from ON task_dependencies(from_task_id);
	CREATE INDEX IF NOT EXISTS idx_task_deps_to ON task_dependencies(to_task_id);
	`)
	return err
}

func (s *Store) initTriggerSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		target_task_id TEXT,
		task_template_json TEXT,
		condition_type TEXT DEFAULT '',
		condition_data_json TEXT,
		schedule TEXT DEFAULT '',
		webhook_url TEXT DEFAULT '',
		webhook_secret TEXT DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_triggered_at TIMESTAMP,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_triggers_session_id ON triggers(session_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_active ON triggers(is_active);
	`)
	return err
}

func (s *Store) initWorkflowSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		task_ids_json TEXT NOT NULL DEFAULT '[]',
		trigger_ids_json TEXT NOT NULL DEFAULT '[]',
		max_concurrent INTEGER NOT NULL DEFAULT 1,
		timeout INTEGER NOT NULL DEFAULT 0,
		retry_policy_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		completed_at TIMESTAMP,
		total_duration INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_session_id ON workflows(session_id);
	`)
	return err
}

func (s *Store) initHistorySchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS execution_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		execution_time INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_execution_history_task_id ON execution_history(task_id, created_at DESC);
	`)
	return err
}

func (s *Store) initMetricsSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		pending_tasks INTEGER NOT NULL DEFAULT 0,
		running_tasks INTEGER NOT NULL DEFAULT 0,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		failed_tasks INTEGER NOT NULL DEFAULT 0,
		avg_execution_time REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		active_workers INTEGER NOT NULL DEFAULT 0,
		queue_depth INTEGER NOT NULL DEFAULT 0,
		memory_used INTEGER NOT NULL DEFAULT 0,
		memory_total INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp DESC);
	`)
	return err
}
