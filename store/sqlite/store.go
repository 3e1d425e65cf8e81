// Package sqlite persists mission history and agent-learned lessons. It
// implements core.Persistence and the query helpers that feed lesson recall
// back into agent prompts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/codeswarm/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	workspace TEXT NOT NULL,
	tasks TEXT NOT NULL DEFAULT '[]',
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	agents TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'completed',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_missions_created ON missions(created_at DESC);

CREATE TABLE IF NOT EXISTS lessons (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	lesson TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	mission_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'general',
	use_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lessons_role ON lessons(role, use_count DESC, created_at DESC);
`

// Mission is one stored mission row.
type Mission struct {
	ID        string
	Goal      string
	Workspace string
	Tasks     []byte
	CostUSD   float64
	Duration  time.Duration
	Agents    []string
	Status    string
	CreatedAt time.Time
}

// Lesson is one stored lesson row.
type Lesson struct {
	ID        string
	Role      string
	Lesson    string
	Context   string
	MissionID string
	Type      string
	UseCount  int
	CreatedAt time.Time
}

// Store is a sqlite-backed core.Persistence.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveMission implements core.Persistence.
func (s *Store) SaveMission(ctx context.Context, rec core.MissionRecord) error {
	if rec.ID == "" {
		rec.ID = core.NewID()
	}
	if rec.Status == "" {
		rec.Status = "completed"
	}
	tasks := rec.Tasks
	if len(tasks) == 0 {
		tasks = []byte("[]")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO missions(
			id, goal, workspace, tasks, cost_usd, duration_seconds, agents, status, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Goal, rec.Workspace, string(tasks), rec.CostUSD,
		rec.Duration.Seconds(), joinAgents(rec.Agents), rec.Status, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// SaveLesson implements core.Persistence.
func (s *Store) SaveLesson(ctx context.Context, rec core.LessonRecord) error {
	if rec.Type == "" {
		rec.Type = "general"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO lessons(id, role, lesson, context, mission_id, type, use_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, 0, ?)`,
		core.NewID(), rec.Role, rec.Lesson, rec.Context, rec.MissionID, rec.Type, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save lesson: %w", err)
	}
	return nil
}

// RecentMissions lists past missions, most recent first.
func (s *Store) RecentMissions(ctx context.Context, limit int) ([]Mission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, goal, workspace, tasks, cost_usd, duration_seconds, agents, status, created_at
		 FROM missions ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []Mission
	for rows.Next() {
		var m Mission
		var tasks, agents string
		var durationSec float64
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Goal, &m.Workspace, &tasks, &m.CostUSD, &durationSec, &agents, &m.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		m.Tasks = []byte(tasks)
		m.Agents = splitAgents(agents)
		m.Duration = time.Duration(durationSec * float64(time.Second))
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LessonsForRole returns the most used, then most recent lessons for a role,
// including role-agnostic "general" lessons, and bumps their use counters.
func (s *Store) LessonsForRole(ctx context.Context, role string, limit int) ([]Lesson, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, role, lesson, context, mission_id, type, use_count, created_at
		 FROM lessons WHERE role = ? OR role = 'general'
		 ORDER BY use_count DESC, created_at DESC LIMIT ?`,
		role, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		var l Lesson
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.Role, &l.Lesson, &l.Context, &l.MissionID, &l.Type, &l.UseCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		l.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, l := range out {
		if _, err := s.db.ExecContext(ctx, `UPDATE lessons SET use_count = use_count + 1 WHERE id = ?`, l.ID); err != nil {
			return nil, fmt.Errorf("bump lesson use count: %w", err)
		}
	}
	return out, nil
}

func joinAgents(agents []string) string {
	return strings.Join(agents, ",")
}

func splitAgents(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
