// Package audit provides a SQLite-backed audit trail of gateway operations:
// pairing decisions, command invocations and lifecycle events, with enough
// request/response detail to reconstruct what happened after the fact.
// Stored at ~/.clawgate/state/audit.db, separate from the trust database.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Action values recorded in the trail.
const (
	ActionPair   = "pair"   // pairing request / approve / reject
	ActionInvoke = "invoke" // command dispatched to a node
	ActionNode   = "node"   // node connect / disconnect / rename
	ActionSystem = "system" // gateway start, stop, config changes
)

// Config controls where the trail lives and how long entries are kept.
type Config struct {
	Dir        string `json:"dir"`        // database directory, default ~/.clawgate/state
	MaxAgeDays int    `json:"maxAgeDays"` // retention in days, 0 keeps forever
	MaxRecords int    `json:"maxRecords"` // hard cap on rows, 0 is unlimited
	Enabled    bool   `json:"enabled"`
}

// Entry is a single audit record.
type Entry struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	Method       string `json:"method"`  // wire method, e.g. node.invoke
	NodeID       string `json:"nodeId"`  // target node, if any
	ConnID       string `json:"connId"`  // connection that triggered the op
	RemoteIP     string `json:"remoteIp"`
	Detail       string `json:"detail"` // request params (JSON)
	Result       string `json:"result"` // response payload (JSON)
	Status       string `json:"status"` // success / error
	ErrorMessage string `json:"errorMessage"`
	DurationMs   int64  `json:"durationMs"`
	CreatedAt    string `json:"createdAt"`
}

// Store is the audit trail storage engine.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Dir:        defaultStateDir(),
		MaxAgeDays: 90,
		MaxRecords: 100000,
		Enabled:    true,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".clawgate", "state")
	}
	return filepath.Join(home, ".clawgate", "state")
}

// NewStore opens (creating if needed) the audit database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultStateDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &Store{dbPath: filepath.Join(cfg.Dir, "audit.db")}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	ddl := `
CREATE TABLE IF NOT EXISTS audit_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL DEFAULT '',
  method TEXT NOT NULL DEFAULT '',
  node_id TEXT NOT NULL DEFAULT '',
  conn_id TEXT NOT NULL DEFAULT '',
  remote_ip TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  result TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'success',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create audit_entries table: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_created ON audit_entries(created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_method ON audit_entries(method);",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_node ON audit_entries(node_id);",
		"CREATE INDEX IF NOT EXISTS idx_audit_entries_status ON audit_entries(status);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}

	// FTS5 full-text index over the free-form columns.
	_, _ = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS audit_entries_fts USING fts5(
		detail, result, error_message,
		content=audit_entries, content_rowid=id
	);`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS audit_entries_fts_ai AFTER INSERT ON audit_entries BEGIN
		INSERT INTO audit_entries_fts(rowid, detail, result, error_message) VALUES (new.id, new.detail, new.result, new.error_message);
	END;`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS audit_entries_fts_ad AFTER DELETE ON audit_entries BEGIN
		INSERT INTO audit_entries_fts(audit_entries_fts, rowid, detail, result, error_message) VALUES ('delete', old.id, old.detail, old.result, old.error_message);
	END;`)

	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

// Log records one entry. The entry's ID and CreatedAt are filled in.
func (s *Store) Log(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Status == "" {
		e.Status = "success"
	}

	result, err := db.Exec(
		`INSERT INTO audit_entries(action, method, node_id, conn_id, remote_ip, detail, result, status, error_message, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.Action, e.Method, e.NodeID, e.ConnID, e.RemoteIP,
		e.Detail, e.Result, e.Status, e.ErrorMessage, e.DurationMs, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// Get returns the entry with the given ID, or nil when absent.
func (s *Store) Get(id int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	row := db.QueryRow(
		`SELECT id, action, method, node_id, conn_id, remote_ip, detail, result, status, error_message, duration_ms, created_at
		 FROM audit_entries WHERE id=?`, id,
	)
	return scanEntry(row)
}

// QueryParams filters and pages an audit query.
type QueryParams struct {
	Action   string // filter by action class
	Method   string // filter by wire method
	NodeID   string // filter by node
	Status   string // filter by success / error
	Search   string // full-text search over detail/result/error
	Since    string // inclusive lower bound, RFC3339
	Until    string // inclusive upper bound, RFC3339
	SortBy   string // created_at (default) | duration_ms | action | method | status
	SortDesc bool
	Limit    int
	Offset   int
}

// Query returns the matching entries plus the total match count.
func (s *Store) Query(p QueryParams) ([]Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, 0, err
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}

	var conditions []string
	var args []any

	if p.Action != "" {
		conditions = append(conditions, "action=?")
		args = append(args, p.Action)
	}
	if p.Method != "" {
		conditions = append(conditions, "method=?")
		args = append(args, p.Method)
	}
	if p.NodeID != "" {
		conditions = append(conditions, "node_id=?")
		args = append(args, p.NodeID)
	}
	if p.Status != "" {
		conditions = append(conditions, "status=?")
		args = append(args, p.Status)
	}
	if p.Search != "" {
		conditions = append(conditions, "id IN (SELECT rowid FROM audit_entries_fts WHERE audit_entries_fts MATCH ?)")
		args = append(args, buildFTSQuery(p.Search))
	}
	if p.Since != "" {
		conditions = append(conditions, "created_at>=?")
		args = append(args, p.Since)
	}
	if p.Until != "" {
		conditions = append(conditions, "created_at<=?")
		args = append(args, p.Until)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countArgs := make([]any, len(args))
	copy(countArgs, args)
	_ = db.QueryRow("SELECT COUNT(*) FROM audit_entries"+where, countArgs...).Scan(&total)

	sortCol := "created_at"
	allowedSortCols := map[string]bool{
		"created_at": true, "duration_ms": true,
		"action": true, "method": true, "status": true,
	}
	if p.SortBy != "" && allowedSortCols[p.SortBy] {
		sortCol = p.SortBy
	}
	sortDir := "DESC"
	if !p.SortDesc && p.SortBy != "" {
		sortDir = "ASC"
	}

	query := "SELECT id, action, method, node_id, conn_id, remote_ip, detail, result, status, error_message, duration_ms, created_at FROM audit_entries" +
		where + " ORDER BY " + sortCol + " " + sortDir + " LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Action, &e.Method, &e.NodeID, &e.ConnID, &e.RemoteIP,
			&e.Detail, &e.Result, &e.Status, &e.ErrorMessage, &e.DurationMs, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Stats summarizes the trail.
type Stats struct {
	TotalEntries  int            `json:"totalEntries"`
	ByAction      map[string]int `json:"byAction"`
	ByMethod      map[string]int `json:"byMethod"`
	ByStatus      map[string]int `json:"byStatus"`
	AvgDurationMs float64        `json:"avgDurationMs"`
	EarliestEntry string         `json:"earliestEntry"`
	LatestEntry   string         `json:"latestEntry"`
}

// GetStats aggregates counts per action, method and status.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByAction: make(map[string]int),
		ByMethod: make(map[string]int),
		ByStatus: make(map[string]int),
	}

	_ = db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&st.TotalEntries)
	_ = db.QueryRow("SELECT COALESCE(AVG(duration_ms),0) FROM audit_entries WHERE duration_ms>0").Scan(&st.AvgDurationMs)
	_ = db.QueryRow("SELECT COALESCE(MIN(created_at),'') FROM audit_entries").Scan(&st.EarliestEntry)
	_ = db.QueryRow("SELECT COALESCE(MAX(created_at),'') FROM audit_entries").Scan(&st.LatestEntry)

	scanGroupBy(db, "SELECT action, COUNT(*) FROM audit_entries GROUP BY action", st.ByAction)
	scanGroupBy(db, "SELECT method, COUNT(*) FROM audit_entries GROUP BY method", st.ByMethod)
	scanGroupBy(db, "SELECT status, COUNT(*) FROM audit_entries GROUP BY status", st.ByStatus)

	return st, nil
}

// Cleanup trims old entries per the retention policy and returns how many
// rows were removed.
func (s *Store) Cleanup(maxAgeDays, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	var totalDeleted int64

	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UTC().Format(time.RFC3339Nano)
		result, err := db.Exec("DELETE FROM audit_entries WHERE created_at < ?", cutoff)
		if err == nil {
			n, _ := result.RowsAffected()
			totalDeleted += n
		}
	}

	if maxRecords > 0 {
		result, err := db.Exec(
			"DELETE FROM audit_entries WHERE id NOT IN (SELECT id FROM audit_entries ORDER BY created_at DESC LIMIT ?)",
			maxRecords,
		)
		if err == nil {
			n, _ := result.RowsAffected()
			totalDeleted += n
		}
	}

	if totalDeleted > 0 {
		_, _ = db.Exec("INSERT INTO audit_entries_fts(audit_entries_fts) VALUES('rebuild')")
	}

	return totalDeleted, nil
}

// Count returns the total number of entries.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	var cnt int
	_ = db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&cnt)
	return cnt, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DBPath returns the database file path.
func (s *Store) DBPath() string {
	return s.dbPath
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Action, &e.Method, &e.NodeID, &e.ConnID, &e.RemoteIP,
		&e.Detail, &e.Result, &e.Status, &e.ErrorMessage, &e.DurationMs, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func scanGroupBy(db *sql.DB, query string, target map[string]int) {
	rows, err := db.Query(query)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var cnt int
		if err := rows.Scan(&key, &cnt); err == nil {
			target[key] = cnt
		}
	}
}

func buildFTSQuery(input string) string {
	words := strings.Fields(strings.TrimSpace(input))
	if len(words) == 0 {
		return `""`
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		w = strings.ReplaceAll(w, `"`, `""`)
		parts = append(parts, `"`+w+`"`)
	}
	if len(parts) == 0 {
		return `""`
	}
	return strings.Join(parts, " OR ")
}
