package db

const (
	DeleteJobs = `DELETE FROM jobs`

	InsertJob = `
		INSERT INTO jobs (id, text, priority, language, state, attempts, created_at, last_attempt_at, completed_at, retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ListJobs = `
		SELECT id, text, priority, language, state, attempts, created_at, last_attempt_at, completed_at, retry_at, last_error
		FROM jobs ORDER BY id ASC
	`
)

const (
	UpsertMeta = `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`

	GetMeta = `SELECT value FROM meta WHERE key = ?`
)

const (
	DeletePrintCounters = `DELETE FROM print_counters`

	InsertPrintCounter = `INSERT INTO print_counters (date, count) VALUES (?, ?)`

	ListPrintCounters = `SELECT date, count FROM print_counters`
)

const (
	metaNextID       = "next_id"
	metaPrintedTotal = "printed_total"
)
