package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"agent-relay/internal/credential"
	"agent-relay/internal/models"
)

// PasswordSource supplies short-lived database passwords. *credential.Cache
// satisfies it.
type PasswordSource interface {
	Get(ctx context.Context) (credential.Credential, error)
	Invalidate()
}

// PostgresConfig locates the database. The password always comes from a
// PasswordSource.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Connector opens lib/pq connections with a fresh password per connection
// and drops the cached credential when the server rejects it.
type Connector struct {
	cfg    PostgresConfig
	source PasswordSource
}

// NewConnector builds a connector for cfg.
func NewConnector(cfg PostgresConfig, source PasswordSource) (*Connector, error) {
	if source == nil {
		return nil, errors.New("password source must not be nil")
	}
	return &Connector{cfg: cfg.withDefaults(), source: source}, nil
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	cred, err := c.source.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("database password: %w", err)
	}

	inner, err := pq.NewConnector(c.dsn(cred.Token))
	if err != nil {
		return nil, fmt.Errorf("build postgres connector: %w", err)
	}
	conn, err := inner.Connect(ctx)
	if err != nil {
		if isAuthFailure(err) {
			slog.Warn("database rejected credential", "host", c.cfg.Host, "err", err)
			c.source.Invalidate()
		}
		return nil, err
	}
	return conn, nil
}

func (c *Connector) Driver() driver.Driver {
	return &pq.Driver{}
}

func (c *Connector) dsn(password string) string {
	parts := []string{
		"host=" + quoteDSN(c.cfg.Host),
		fmt.Sprintf("port=%d", c.cfg.Port),
		"user=" + quoteDSN(c.cfg.User),
		"password=" + quoteDSN(password),
		"dbname=" + quoteDSN(c.cfg.Database),
		"sslmode=" + quoteDSN(c.cfg.SSLMode),
		fmt.Sprintf("connect_timeout=%d", int(c.cfg.ConnectTimeout.Seconds())),
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// invalid_password and invalid_authorization_specification.
func isAuthFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "28P01" || pqErr.Code == "28000"
}

const schema = `CREATE TABLE IF NOT EXISTS relay_messages (
	seq BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS relay_messages_session_idx ON relay_messages (session_id, seq)`

// Postgres stores histories in the relay_messages table.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres opens a pool through a Connector, checks connectivity and
// creates the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig, source PasswordSource) (*Postgres, error) {
	connector, err := NewConnector(cfg, source)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(connector.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(connector.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewPostgresFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresFromDB wraps an existing pool.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates the history table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Append inserts msgs in one transaction so a turn is stored whole or not at all.
func (p *Postgres) Append(ctx context.Context, sessionID string, msgs ...models.Message) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := p.now().UTC()
	for _, msg := range msgs {
		content, err := encodeContent(msg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_messages (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
			sessionID, string(msg.Role), content, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT role, content FROM relay_messages WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		var (
			role    string
			content []byte
		)
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, err
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return history, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func encodeContent(msg models.Message) ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if msg.Blocks != nil {
		content, err = json.Marshal(msg.Blocks)
	} else {
		content, err = json.Marshal(msg.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}
	return content, nil
}

func decodeMessage(role string, content []byte) (models.Message, error) {
	wire, err := json.Marshal(struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}{Role: role, Content: content})
	if err != nil {
		return models.Message{}, fmt.Errorf("decode stored message: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal(wire, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

var (
	_ Store            = (*Postgres)(nil)
	_ Store            = (*Memory)(nil)
	_ driver.Connector = (*Connector)(nil)
	_ PasswordSource   = (*credential.Cache)(nil)
)
