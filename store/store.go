// Package store persists round records and global models.
//
// Round records are written with optimistic concurrency: every record
// carries a version and Save only succeeds when the stored version equals
// the version of the record being saved. A coordinator that loses such a
// race no longer owns the round and must stop.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/protocol"
)

var (
	// ErrVersionConflict is returned by Save when the stored record was
	// written by someone else since it was loaded.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrModelNotFound is returned by LoadModel for an unknown reference.
	ErrModelNotFound = errors.New("store: model not found")
)

// Store is the durable state of a coordinator.
type Store interface {
	// Save writes r if the stored record for r.ID has version r.Version
	// (0 when absent) and increments r.Version on success.
	Save(ctx context.Context, r *protocol.Round) error

	// Load returns the record of a round, or nil if there is none.
	Load(ctx context.Context, roundID uint64) (*protocol.Round, error)

	// Latest returns the record with the highest round id, or nil.
	Latest(ctx context.Context) (*protocol.Round, error)

	// SaveModel stores a global model under ref. Models are immutable:
	// saving the same ref again overwrites it with identical content.
	SaveModel(ctx context.Context, ref string, m aggregator.Model) error

	// LoadModel returns the model stored under ref.
	LoadModel(ctx context.Context, ref string) (aggregator.Model, error)

	Close() error
}

// Type selects a Store implementation.
type Type string

const (
	TypeMemory   Type = "memory"
	TypePostgres Type = "postgres"
)

// Config selects and configures the store.
type Config struct {
	Type     Type           `yaml:"type"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// Open creates the configured store. Postgres stores are pinged and
// migrated, so an unreachable database fails here.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypePostgres:
		return NewPostgresStore(ctx, &cfg.Postgres)
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}

// ModelReference is the reference the result of round id is stored under.
func ModelReference(roundID uint64) string {
	return fmt.Sprintf("round-%d", roundID)
}

func conflict(r *protocol.Round, stored uint64) error {
	return fmt.Errorf("%w: round %d is at version %d, record has %d", ErrVersionConflict, r.ID, stored, r.Version)
}
