package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/security"
)

type Client struct {
	cfg    *config.ClickHouseConfig
	logger *zap.Logger
	db     *sql.DB
}

func NewClient(cfg *config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	client := &Client{
		cfg:    cfg,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return client, nil
}

// NewClientWithDB wraps an already opened connection.
func NewClientWithDB(db *sql.DB, cfg *config.ClickHouseConfig, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, logger: logger, db: db}
}

func (c *Client) connect() error {
	options := &clickhouse.Options{
		Addr: c.cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		},
		DialTimeout: c.cfg.DialTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	if c.cfg.EnableSSL {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn := clickhouse.OpenDB(options)
	conn.SetMaxOpenConns(c.cfg.MaxOpenConns)
	conn.SetMaxIdleConns(c.cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(c.cfg.MaxLifetime)

	if err := conn.Ping(); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c.db = conn
	c.logger.Info("Connected to ClickHouse",
		zap.Strings("addresses", c.cfg.Addresses),
		zap.String("database", c.cfg.Database))

	return nil
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) GetDB() *sql.DB {
	return c.db
}

func (c *Client) GetDatabase() string {
	return c.cfg.Database
}

func (c *Client) ExecuteQuery(ctx context.Context, query string, args ...interface{}) error {
	if c.db == nil {
		return fmt.Errorf("ClickHouse connection not available")
	}
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c.db == nil {
		return nil, fmt.Errorf("ClickHouse connection not available")
	}
	return c.db.QueryContext(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// InsertRows writes rows into database.table with one multi-row INSERT.
// Every row must hold one value per column.
func (c *Client) InsertRows(ctx context.Context, database, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	query, values, err := BuildInsertQuery(database, table, columns, rows)
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	c.logger.Debug("Executing insert",
		zap.String("database", database),
		zap.String("table", table),
		zap.Int("row_count", len(rows)))

	if err := c.ExecuteQuery(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to insert into %s.%s: %w", database, table, err)
	}
	return nil
}

// BuildInsertQuery renders INSERT INTO db.table (cols) VALUES (?, ...), ...
// and flattens the row values in the same order.
func BuildInsertQuery(database, table string, columns []string, rows [][]interface{}) (string, []interface{}, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows to insert")
	}

	target, err := security.QualifiedTable(database, table)
	if err != nil {
		return "", nil, err
	}
	columnList, err := security.ColumnList(columns)
	if err != nil {
		return "", nil, err
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	rowPlaceholders := make([]string, len(rows))
	values := make([]interface{}, 0, len(rows)*len(columns))

	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(columns))
		}
		rowPlaceholders[i] = placeholders
		for _, v := range row {
			values = append(values, convertValue(v))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", target, columnList, strings.Join(rowPlaceholders, ", "))
	return query, values, nil
}

// convertValue maps Go values the driver does not bind natively.
func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case decimal.Decimal:
		return v.String()
	case *decimal.Decimal:
		if v == nil {
			return nil
		}
		return v.String()
	case time.Time:
		return v.UTC()
	case bool:
		if v {
			return uint8(1)
		}
		return uint8(0)
	}
	return value
}
