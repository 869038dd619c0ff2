package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCacheTableName   = "chatsync_conversations"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCache stores one row per (owner, peer) holding the conversation
// as a JSON array. The table is created on first use.
type PostgresCache struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCache(dsn string) (*PostgresCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidCacheDSN
	}
	return &PostgresCache{
		dsn:       dsn,
		tableName: postgresCacheTableName,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresCache) Load(ctx context.Context, owner, peer string) ([]Message, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT messages FROM %s WHERE owner = $1 AND peer = $2", postgresQuoteIdentifier(c.tableName))
	var payload string
	err := c.db.QueryRowContext(ctx, query, owner, peer).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *PostgresCache) Save(ctx context.Context, owner, peer string, msgs []Message) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (owner, peer, messages, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner, peer)
		DO UPDATE SET messages = EXCLUDED.messages, updated_at = NOW()`, postgresQuoteIdentifier(c.tableName))
	_, err = c.db.ExecContext(ctx, query, owner, peer, string(payload))
	return err
}

func (c *PostgresCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// ensureReady opens the pool and creates the table once. It runs on its own
// deadline so a canceled caller cannot poison the cache for later calls.
func (c *PostgresCache) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner TEXT NOT NULL,
				peer TEXT NOT NULL,
				messages TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner, peer)
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
