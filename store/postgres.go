package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/protocol"
	_ "github.com/lib/pq"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// DSN, when set, is used as is and the other fields are ignored.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// PostgresStore persists rounds and models in PostgreSQL. The version
// check of Save is a conditional UPDATE, so any number of coordinators may
// share one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, pings and migrates the database.
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		round_id BIGINT PRIMARY KEY,
		version BIGINT NOT NULL,
		phase VARCHAR(16) NOT NULL,
		owner VARCHAR(64) NOT NULL,
		record JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS models (
		reference VARCHAR(128) PRIMARY KEY,
		weights JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save inserts a new record (version 0) or updates the stored one if its
// version still matches.
func (s *PostgresStore) Save(ctx context.Context, r *protocol.Round) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	next := r.Clone()
	next.Version = r.Version + 1
	next.UpdatedAt = time.Now().UTC()
	record, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding round: %w", err)
	}

	var res sql.Result
	if r.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
		INSERT INTO rounds (round_id, version, phase, owner, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (round_id) DO NOTHING
		`, int64(r.ID), int64(next.Version), r.Phase.String(), r.Owner, record)
	} else {
		res, err = s.db.ExecContext(ctx, `
		UPDATE rounds SET version = $2, phase = $3, owner = $4, record = $5, updated_at = NOW()
		WHERE round_id = $1 AND version = $6
		`, int64(r.ID), int64(next.Version), r.Phase.String(), r.Owner, record, int64(r.Version))
	}
	if err != nil {
		return fmt.Errorf("saving round %d: %w", r.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving round %d: %w", r.ID, err)
	}
	if n == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx, "SELECT version FROM rounds WHERE round_id = $1", int64(r.ID)).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("saving round %d: %w", r.ID, err)
		}
		return conflict(r, uint64(stored))
	}

	r.Version = next.Version
	r.UpdatedAt = next.UpdatedAt
	return nil
}

// Load retrieves round roundID, or nil if it does not exist.
func (s *PostgresStore) Load(ctx context.Context, roundID uint64) (*protocol.Round, error) {
	return s.queryRound(ctx, "SELECT record FROM rounds WHERE round_id = $1", int64(roundID))
}

// Latest retrieves the round with the highest id, or nil.
func (s *PostgresStore) Latest(ctx context.Context) (*protocol.Round, error) {
	return s.queryRound(ctx, "SELECT record FROM rounds ORDER BY round_id DESC LIMIT 1")
}

func (s *PostgresStore) queryRound(ctx context.Context, query string, args ...any) (*protocol.Round, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var record []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading round: %w", err)
	}

	var r protocol.Round
	if err := json.Unmarshal(record, &r); err != nil {
		return nil, fmt.Errorf("decoding round: %w", err)
	}
	return &r, nil
}

// SaveModel persists a global model under ref, replacing any previous one.
func (s *PostgresStore) SaveModel(ctx context.Context, ref string, m aggregator.Model) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	weights, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO models (reference, weights) VALUES ($1, $2)
	ON CONFLICT (reference) DO UPDATE SET weights = EXCLUDED.weights
	`, ref, weights)
	if err != nil {
		return fmt.Errorf("saving model %s: %w", ref, err)
	}
	return nil
}

// LoadModel retrieves the global model stored under ref.
func (s *PostgresStore) LoadModel(ctx context.Context, ref string) (aggregator.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var weights []byte
	err := s.db.QueryRowContext(ctx, "SELECT weights FROM models WHERE reference = $1", ref).Scan(&weights)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", ref, err)
	}

	var m aggregator.Model
	if err := json.Unmarshal(weights, &m); err != nil {
		return nil, fmt.Errorf("decoding model %s: %w", ref, err)
	}
	return m, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
