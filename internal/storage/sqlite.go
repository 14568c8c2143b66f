package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/memoria/internal/memory"
)

// SQLiteStore persists to a single SQLite file. Profiles and stats are JSON
// documents; turns, records and insights are rows kept in insertion order.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
}

func NewSQLiteStore(dbPath string, limits Limits) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, limits: limits.withDefaults()}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user ON conversation_turns(user_id, seq)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'conversation',
			content TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 5,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL DEFAULT 0,
			last_accessed_ms INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_user ON memory_records(user_id, seq)`,
		`CREATE TABLE IF NOT EXISTS insights (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp_ms INTEGER NOT NULL,
			topic TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL,
			kind TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS global_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetUserRecord(ctx context.Context, userID string) (*memory.UserProfile, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM user_profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.NewUserProfile(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	var p memory.UserProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	p.UserID = userID
	p.Normalize()
	return &p, nil
}

func (s *SQLiteStore) PutUserRecord(ctx context.Context, profile *memory.UserProfile) error {
	if profile == nil || profile.UserID == "" {
		return ErrEmptyUserID
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		profile.UserID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put user record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendConversation(ctx context.Context, userID string, turn memory.Turn) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_turns (user_id, turn_id, timestamp_ms, data) VALUES (?, ?, ?, ?)`,
		userID, turn.ID, turn.TimestampMs, string(data),
	); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_turns WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)`,
		userID, userID, s.limits.ConversationCap,
	); err != nil {
		return fmt.Errorf("trim conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadConversation(ctx context.Context, userID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = s.limits.ConversationCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM (
			SELECT seq, data FROM conversation_turns WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	turns := make([]memory.Turn, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var t memory.Turn
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, ex execer, userID string, rec memory.Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO memory_records
			(record_id, user_id, type, content, importance, tags, metadata, created_at_ms, last_accessed_ms, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, userID, rec.Type, rec.Content, rec.Importance, string(tags), string(meta),
		rec.CreatedAtMs, rec.LastAccessedMs, rec.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMemory(ctx context.Context, userID string, rec memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return insertRecord(ctx, s.db, userID, rec)
}

func (s *SQLiteStore) LoadMemories(ctx context.Context, userID string) ([]memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, user_id, type, content, importance, tags, metadata, created_at_ms, last_accessed_ms, access_count
		 FROM memory_records WHERE user_id = ? ORDER BY seq ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]memory.Record, error) {
	result := make([]memory.Record, 0)
	for rows.Next() {
		var r memory.Record
		var tags, meta string
		if err := rows.Scan(
			&r.ID,
			&r.UserID,
			&r.Type,
			&r.Content,
			&r.Importance,
			&tags,
			&meta,
			&r.CreatedAtMs,
			&r.LastAccessedMs,
			&r.AccessCount,
		); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) ReplaceMemories(ctx context.Context, userID string, recs []memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear memory records: %w", err)
	}
	for _, rec := range recs {
		if err := insertRecord(ctx, tx, userID, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendInsight(ctx context.Context, ins memory.Insight) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO insights (timestamp_ms, topic, text, confidence, kind) VALUES (?, ?, ?, ?, ?)`,
		ins.TimestampMs, ins.Topic, ins.Text, ins.Confidence, ins.Kind,
	); err != nil {
		return fmt.Errorf("append insight: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM insights WHERE seq NOT IN (SELECT seq FROM insights ORDER BY seq DESC LIMIT ?)`,
		s.limits.InsightCap,
	); err != nil {
		return fmt.Errorf("trim insights: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insight: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadInsights(ctx context.Context, limit int) ([]memory.Insight, error) {
	if limit <= 0 {
		limit = s.limits.InsightCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms, topic, text, confidence, kind FROM (
			SELECT * FROM insights ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load insights: %w", err)
	}
	defer rows.Close()

	out := make([]memory.Insight, 0)
	for rows.Next() {
		var ins memory.Insight
		if err := rows.Scan(&ins.TimestampMs, &ins.Topic, &ins.Text, &ins.Confidence, &ins.Kind); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetGlobalStats(ctx context.Context) (*memory.GlobalStats, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM global_stats WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global stats: %w", err)
	}
	var st memory.GlobalStats
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode global stats: %w", err)
	}
	st.Normalize()
	return &st, nil
}

func (s *SQLiteStore) PutGlobalStats(ctx context.Context, stats *memory.GlobalStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode global stats: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO global_stats (id, data) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		string(data),
	); err != nil {
		return fmt.Errorf("put global stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_profiles
		 UNION SELECT user_id FROM memory_records
		 ORDER BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}
