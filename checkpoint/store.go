package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Store persists checkpoints keyed by run name and step. Saving a step removes
// any later steps of the same run, so Latest always reflects the most recent
// save.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, c Checkpoint) error
	Latest(ctx context.Context, run string) (Checkpoint, bool, error)
	Get(ctx context.Context, run string, step uint64) (Checkpoint, bool, error)
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Kind       string // memory, sqlite, mysql, sqlserver, dynamodb, mongodb
	Path       string // sqlite file
	DSN        string // mysql / sqlserver, falls back to $CHECKPOINT_DSN
	Table      string
	Region     string // dynamodb
	Endpoint   string // dynamodb endpoint override
	URI        string // mongodb, falls back to $CHECKPOINT_MONGO_URI
	Database   string
	Collection string
}

const (
	DefaultTable    = "checkpoints"
	DefaultPath     = "checkpoints.db"
	DefaultDatabase = "asyntrain"
)

func NewStore(cfg Config) (Store, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	switch cfg.Kind {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		return NewSQLStore("sqlite3", path, table)
	case "mysql", "sqlserver":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("CHECKPOINT_DSN")
		}
		if dsn == "" {
			return nil, fmt.Errorf("checkpoint store %s: DSN is required", cfg.Kind)
		}
		return NewSQLStore(cfg.Kind, dsn, table)
	case "memory":
		return NewMemoryStore(), nil
	case "dynamodb":
		return NewDynamoStore(cfg.Region, cfg.Endpoint, table), nil
	case "mongodb":
		uri := cfg.URI
		if uri == "" {
			uri = os.Getenv("CHECKPOINT_MONGO_URI")
		}
		if uri == "" {
			return nil, errors.New("checkpoint store mongodb: URI is required")
		}
		db := cfg.Database
		if db == "" {
			db = DefaultDatabase
		}
		coll := cfg.Collection
		if coll == "" {
			coll = table
		}
		return NewMongoStore(uri, db, coll), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store kind %q", cfg.Kind)
	}
}
