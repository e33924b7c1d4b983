package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore 本地 sqlite 历史库
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	// 单连接串行化写，sqlite 并发写锁冲突最省心的解法
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_id TEXT NOT NULL,
		identity TEXT NOT NULL,
		serial TEXT,
		class TEXT,
		status TEXT,
		verdict TEXT,
		method TEXT,
		reason TEXT,
		decided_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS threats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		scan_id TEXT NOT NULL,
		path TEXT NOT NULL,
		tier TEXT NOT NULL,
		reason TEXT,
		size INTEGER,
		found_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_identity ON decisions(identity);
	CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON decisions(decided_at);
	CREATE INDEX IF NOT EXISTS idx_threats_scan ON threats(scan_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions(raw_id, identity, serial, class, status, verdict, method, reason, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RawID, rec.Identity, rec.Serial, rec.Class, rec.Status, rec.Verdict, rec.Method, rec.Reason,
		rec.DecidedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit: record decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordThreat(ctx context.Context, ev ThreatEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threats(identity, scan_id, path, tier, reason, size, found_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Identity, ev.ScanID, ev.Path, ev.Tier, ev.Reason, ev.Size,
		ev.FoundAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit: record threat: %w", err)
	}
	return nil
}

// RecentDecisions 按时间倒序取最近 limit 条
func (s *SQLiteStore) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_id, identity, serial, class, status, verdict, method, reason, decided_at
		 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var decidedAt string
		if err := rows.Scan(&rec.RawID, &rec.Identity, &rec.Serial, &rec.Class,
			&rec.Status, &rec.Verdict, &rec.Method, &rec.Reason, &decidedAt); err != nil {
			return nil, err
		}
		rec.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune 清掉早于 cutoff 的历史，返回删除条数
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("audit: prune decisions: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM threats WHERE found_at < ?`, ts)
	if err != nil {
		return n, fmt.Errorf("audit: prune threats: %w", err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
