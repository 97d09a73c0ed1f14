package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	createTable string
	latest      string
	placeholder func(i int) string
}

func plainPlaceholder(int) string { return "?" }

var dialects = map[string]dialect{
	"sqlite3": {
		//goland:noinspection SqlDialectInspection
		createTable: `
		  CREATE TABLE IF NOT EXISTS %[1]s (
		  run TEXT NOT NULL,
		  step INTEGER NOT NULL,
		  savedAt INTEGER NOT NULL,
		  payload BLOB NOT NULL,
		  PRIMARY KEY (run, step)
		  );`,
		latest:      "SELECT step, payload FROM %[1]s WHERE run = ? ORDER BY step DESC LIMIT 1",
		placeholder: plainPlaceholder,
	},
	"mysql": {
		createTable: `
		  CREATE TABLE IF NOT EXISTS %[1]s (
		  run VARCHAR(191) NOT NULL,
		  step BIGINT NOT NULL,
		  savedAt BIGINT NOT NULL,
		  payload LONGBLOB NOT NULL,
		  PRIMARY KEY (run, step)
		  );`,
		latest:      "SELECT step, payload FROM %[1]s WHERE run = ? ORDER BY step DESC LIMIT 1",
		placeholder: plainPlaceholder,
	},
	"sqlserver": {
		createTable: `
		  IF OBJECT_ID(N'%[1]s', N'U') IS NULL
		  CREATE TABLE %[1]s (
		  run NVARCHAR(191) NOT NULL,
		  step BIGINT NOT NULL,
		  savedAt BIGINT NOT NULL,
		  payload VARBINARY(MAX) NOT NULL,
		  PRIMARY KEY (run, step)
		  );`,
		latest: "SELECT TOP 1 step, payload FROM %[1]s WHERE run = @p1 ORDER BY step DESC",
		placeholder: func(i int) string {
			return fmt.Sprintf("@p%d", i)
		},
	},
}

// SQLStore keeps checkpoints in a single table of a database/sql backend.
type SQLStore struct {
	driver string
	dsn    string
	table  string
	d      dialect

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLStore(driver, dsn, table string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", table)
	}
	return &SQLStore{driver: driver, dsn: dsn, table: table, d: d}, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(s.d.createTable, s.table)); err != nil {
		_ = db.Close()
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("checkpoint store is not initialized")
	}
	return s.db, nil
}

func (s *SQLStore) Save(ctx context.Context, c Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := Encode(c)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p := s.d.placeholder
	// clear later checkpoints of the same run
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE run = %s AND step >= %s", s.table, p(1), p(2)),
		c.Run, int64(c.Step),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (run, step, savedAt, payload) VALUES (%s, %s, %s, %s)", s.table, p(1), p(2), p(3), p(4)),
		c.Run, int64(c.Step), c.SavedAt.UnixNano(), payload,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Latest(ctx context.Context, run string) (Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Checkpoint{}, false, err
	}
	row := db.QueryRowContext(ctx, fmt.Sprintf(s.d.latest, s.table), run)
	return scanCheckpoint(row)
}

func (s *SQLStore) Get(ctx context.Context, run string, step uint64) (Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Checkpoint{}, false, err
	}
	p := s.d.placeholder
	row := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT step, payload FROM %s WHERE run = %s AND step = %s", s.table, p(1), p(2)),
		run, int64(step),
	)
	return scanCheckpoint(row)
}

func scanCheckpoint(row *sql.Row) (Checkpoint, bool, error) {
	var step int64
	var payload []byte
	if err := row.Scan(&step, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	c, err := Decode(payload)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint at step %d: %w", step, err)
	}
	return c, true, nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
