// Package store persists scored sessions and serves athlete history and
// leaderboards. It runs on SQLite by default and on PostgreSQL when given a
// postgres:// DSN.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "modernc.org/sqlite"             // sqlite driver

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
)

// DefaultLeaderboardLimit is used when Leaderboard is called with limit <= 0.
const DefaultLeaderboardLimit = 10

// Performance is one stored session outcome.
type Performance struct {
	ID               string                `json:"id"`
	AthleteID        string                `json:"athleteId"`
	TestType         analysis.ExerciseType `json:"testType"`
	Score            float64               `json:"score"`
	Status           string                `json:"status,omitempty"`
	CheatDetected    bool                  `json:"cheatDetected"`
	Result           analysis.Result       `json:"result"`
	AnalyzedVideoURL string                `json:"analyzedVideoUrl,omitempty"`
	RecordedAt       time.Time             `json:"date"`
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store is a results repository over database/sql.
type Store struct {
	DB      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to dsn and creates the schema if needed. A DSN starting with
// postgres:// or postgresql:// uses pgx; anything else is a SQLite path
// (":memory:" included).
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, d := "sqlite", dialectSQLite
	if IsPostgres(dsn) {
		driver, d = "pgx", dialectPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d == dialectSQLite {
		// One writer; also keeps ":memory:" to a single database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{DB: db, dialect: d, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// IsPostgres reports whether dsn selects the PostgreSQL driver.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS performances (
	id                 TEXT PRIMARY KEY,
	athlete_id         TEXT NOT NULL,
	test_type          TEXT NOT NULL,
	score              DOUBLE PRECISION NOT NULL,
	status             TEXT NOT NULL DEFAULT '',
	cheat_detected     INTEGER NOT NULL DEFAULT 0,
	result_json        TEXT NOT NULL,
	analyzed_video_url TEXT NOT NULL DEFAULT '',
	recorded_at_ms     BIGINT NOT NULL
)`
	const index = `CREATE INDEX IF NOT EXISTS performances_type_score ON performances (test_type, score)`
	for _, q := range []string{schema, index} {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $N for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save stores res for athleteID and returns the new record.
func (s *Store) Save(ctx context.Context, athleteID string, res analysis.Result) (Performance, error) {
	if athleteID == "" {
		return Performance{}, errors.New("athlete id is required")
	}
	js, err := json.Marshal(res)
	if err != nil {
		return Performance{}, fmt.Errorf("marshal result: %w", err)
	}
	p := Performance{
		ID:               uuid.NewString(),
		AthleteID:        athleteID,
		TestType:         res.TestType,
		Score:            res.Score,
		Status:           payloadStatus(res.Result),
		CheatDetected:    res.CheatDetected,
		Result:           res,
		AnalyzedVideoURL: res.AnalyzedVideoURL,
		RecordedAt:       s.now().UTC().Truncate(time.Millisecond),
	}
	const q = `INSERT INTO performances
	(id, athlete_id, test_type, score, status, cheat_detected, result_json, analyzed_video_url, recorded_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, s.rebind(q),
		p.ID, p.AthleteID, string(p.TestType), p.Score, p.Status, boolInt(p.CheatDetected),
		string(js), p.AnalyzedVideoURL, p.RecordedAt.UnixMilli())
	if err != nil {
		return Performance{}, fmt.Errorf("insert performance: %w", err)
	}
	return p, nil
}

// ListByAthlete returns athleteID's sessions, newest first.
func (s *Store) ListByAthlete(ctx context.Context, athleteID string) ([]Performance, error) {
	const q = selectColumns + ` WHERE athlete_id = ? ORDER BY recorded_at_ms DESC, id`
	return s.query(ctx, s.rebind(q), athleteID)
}

// Leaderboard returns the best non-cheating sessions for testType. Shuttle
// Run ranks successful runs with a positive time by ascending time; every
// other test ranks by descending score.
func (s *Store) Leaderboard(ctx context.Context, testType analysis.ExerciseType, limit int) ([]Performance, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	q := selectColumns + ` WHERE test_type = ? AND cheat_detected = 0`
	if testType == analysis.ShuttleRun {
		q += ` AND status = '` + analysis.StatusSuccess + `' AND score > 0 ORDER BY score ASC`
	} else {
		q += ` ORDER BY score DESC`
	}
	q += `, recorded_at_ms ASC LIMIT ?`
	return s.query(ctx, s.rebind(q), string(testType), limit)
}

const selectColumns = `SELECT id, athlete_id, test_type, score, status, cheat_detected, result_json, analyzed_video_url, recorded_at_ms FROM performances`

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Performance, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query performances: %w", err)
	}
	defer rows.Close()

	out := []Performance{}
	for rows.Next() {
		var (
			p        Performance
			testType string
			cheat    int64
			js       string
			ms       int64
		)
		if err := rows.Scan(&p.ID, &p.AthleteID, &testType, &p.Score, &p.Status, &cheat, &js, &p.AnalyzedVideoURL, &ms); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		p.TestType = analysis.ExerciseType(testType)
		p.CheatDetected = cheat != 0
		p.RecordedAt = time.UnixMilli(ms).UTC()
		if err := json.Unmarshal([]byte(js), &p.Result); err != nil {
			return nil, fmt.Errorf("performance %s: corrupt result: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// payloadStatus extracts the "status" field of a result payload, if any.
func payloadStatus(payload any) string {
	js, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var v struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(js, &v) != nil {
		return ""
	}
	return v.Status
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
