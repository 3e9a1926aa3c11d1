// Package journal records accepted pipeline submissions in Postgres. It is
// an append-only audit trail for external tooling; the bridge never reads
// it back into the in-memory store.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/logutil"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultDriver is the database/sql driver used when none is configured.
// "postgres" selects lib/pq instead.
const DefaultDriver = "pgx"

// Record is one journaled submission.
type Record struct {
	ID         int64           `json:"id"`
	FilePath   string          `json:"file_path"`
	NodeCount  int             `json:"node_count"`
	Document   json.RawMessage `json:"pipeline"`
	ReceivedAt time.Time       `json:"received_at"`
}

type Journal struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open connects with driver ("pgx" or "postgres"), applies migrations and
// returns a ready Journal.
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*Journal, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, log), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, log *zap.Logger) *Journal {
	return &Journal{db: db, log: logutil.OrGlobal(log), now: time.Now}
}

// Migrate brings the journal schema up to date.
func Migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("journal migrate: %w", err)
	}
	return nil
}

// Persist implements pipeline.Persister.
func (j *Journal) Persist(ctx context.Context, doc pipeline.Document) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO pipeline_submissions (file_path, node_count, document, received_at)
		 VALUES ($1, $2, $3::jsonb, $4)`,
		doc.FilePath, doc.NodeCount(), string(doc.Pipeline), j.now().UTC(),
	)
	if err != nil {
		return &pipeline.PersistError{FilePath: doc.FilePath, Err: fmt.Errorf("journal insert: %w", err)}
	}
	j.log.Debug("submission journaled", zap.String("file_path", doc.FilePath))
	return nil
}

// History returns up to limit submissions for filePath, newest first.
func (j *Journal) History(ctx context.Context, filePath string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, file_path, node_count, document::text, received_at
		   FROM pipeline_submissions
		  WHERE file_path = $1
		  ORDER BY received_at DESC, id DESC
		  LIMIT $2`,
		filePath, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var doc string
		if err := rows.Scan(&r.ID, &r.FilePath, &r.NodeCount, &doc, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.Document = json.RawMessage(doc)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
