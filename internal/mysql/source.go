package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	driver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/security"
)

// binlogHeaderSize is the offset of the first event in every binlog file.
const binlogHeaderSize = 4

// erParse is returned by servers that removed SHOW MASTER STATUS.
const erParse = 1064

var systemSchemas = []string{"mysql", "information_schema", "performance_schema", "sys"}

const columnsQuery = `
	SELECT c.TABLE_SCHEMA, c.TABLE_NAME, c.COLUMN_NAME, c.COLUMN_TYPE, c.IS_NULLABLE
	FROM INFORMATION_SCHEMA.COLUMNS c
	JOIN INFORMATION_SCHEMA.TABLES t
		ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
	WHERE t.TABLE_TYPE = 'BASE TABLE'
		AND c.TABLE_SCHEMA NOT IN (?, ?, ?, ?)%s
	ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`

// keysQuery lists unique index columns, primary key first.
const keysQuery = `
	SELECT TABLE_SCHEMA, TABLE_NAME, INDEX_NAME, COLUMN_NAME
	FROM INFORMATION_SCHEMA.STATISTICS
	WHERE NON_UNIQUE = 0
		AND TABLE_SCHEMA NOT IN (?, ?, ?, ?)%s
	ORDER BY TABLE_SCHEMA, TABLE_NAME, INDEX_NAME <> 'PRIMARY', INDEX_NAME, SEQ_IN_INDEX`

// Source reads table metadata, chunk rows and binlog positions over
// database/sql. Change streaming is delegated to stream.
type Source struct {
	db     *sql.DB
	stream common.ChangeStream
	filter *common.TableFilter
	logger *zap.Logger
}

// NewSource returns a source over db. filter, when set, narrows the
// metadata queries to the databases it accepts.
func NewSource(db *sql.DB, stream common.ChangeStream, filter *common.TableFilter, logger *zap.Logger) *Source {
	return &Source{
		db:     db,
		stream: stream,
		filter: filter,
		logger: common.LoggerWithComponent(logger, "mysql_source"),
	}
}

// schemaFilter returns the schema condition on column and its arguments.
func (s *Source) schemaFilter(column string) (string, []interface{}) {
	args := make([]interface{}, 0, len(systemSchemas)+1)
	for _, name := range systemSchemas {
		args = append(args, name)
	}
	if s.filter == nil || s.filter.DatabasePattern() == "" {
		return "", args
	}
	return fmt.Sprintf(" AND %s REGEXP ?", column), append(args, s.filter.DatabasePattern())
}

func (s *Source) DiscoverTables(ctx context.Context) ([]common.Table, error) {
	tables, order, err := s.loadColumns(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.loadKeys(ctx, tables); err != nil {
		return nil, err
	}

	out := make([]common.Table, 0, len(order))
	for _, id := range order {
		out = append(out, *tables[id])
	}
	s.logger.Debug("Discovered tables", zap.Int("count", len(out)))
	return out, nil
}

func (s *Source) loadColumns(ctx context.Context) (map[common.TableID]*common.Table, []common.TableID, error) {
	clause, args := s.schemaFilter("c.TABLE_SCHEMA")
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(columnsQuery, clause), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	tables := make(map[common.TableID]*common.Table)
	var order []common.TableID
	for rows.Next() {
		var id common.TableID
		var col common.Column
		var nullable string
		if err := rows.Scan(&id.Database, &id.Name, &col.Name, &col.Type, &nullable); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.Nullable = nullable == "YES"

		t, ok := tables[id]
		if !ok {
			t = &common.Table{ID: id}
			tables[id] = t
			order = append(order, id)
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return tables, order, nil
}

// loadKeys sets the key columns of each table to its primary key, or to its
// first unique index when there is none.
func (s *Source) loadKeys(ctx context.Context, tables map[common.TableID]*common.Table) error {
	clause, args := s.schemaFilter("TABLE_SCHEMA")
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(keysQuery, clause), args...)
	if err != nil {
		return fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	chosen := make(map[common.TableID]string)
	for rows.Next() {
		var id common.TableID
		var index, column string
		if err := rows.Scan(&id.Database, &id.Name, &index, &column); err != nil {
			return fmt.Errorf("failed to scan key column: %w", err)
		}
		t, ok := tables[id]
		if !ok {
			continue
		}
		if first, seen := chosen[id]; seen && first != index {
			continue
		}
		chosen[id] = index
		t.KeyColumns = append(t.KeyColumns, column)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read keys: %w", err)
	}
	return nil
}

func (s *Source) columnType(table common.Table, column string) string {
	for _, c := range table.Columns {
		if c.Name == column {
			return c.Type
		}
	}
	return ""
}

func (s *Source) KeyStats(ctx context.Context, table common.Table, column string) (chunk.KeyStats, error) {
	qualified, err := security.QualifiedTable(table.ID.Database, table.ID.Name)
	if err != nil {
		return chunk.KeyStats{}, err
	}
	col, err := security.ValidateAndEscapeIdentifier(column, "column name")
	if err != nil {
		return chunk.KeyStats{}, err
	}

	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s), COUNT(*) FROM %s", col, col, qualified)
	var minRaw, maxRaw interface{}
	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&minRaw, &maxRaw, &count); err != nil {
		return chunk.KeyStats{}, fmt.Errorf("failed to read key stats of %s: %w", table.ID, err)
	}

	typ := s.columnType(table, column)
	stats := chunk.KeyStats{RowCount: count}
	if stats.Min, err = s.keyValue(minRaw, typ); err != nil {
		return chunk.KeyStats{}, err
	}
	if stats.Max, err = s.keyValue(maxRaw, typ); err != nil {
		return chunk.KeyStats{}, err
	}
	return stats, nil
}

func (s *Source) keyValue(raw interface{}, columnType string) (common.Value, error) {
	v, err := columnValue(raw, columnType)
	if err != nil {
		return common.Value{}, err
	}
	return common.ValueOf(v)
}

func (s *Source) SampleKeys(ctx context.Context, table common.Table, column string, every int) ([]common.Value, error) {
	if every <= 0 {
		return nil, fmt.Errorf("sample interval must be positive, got %d", every)
	}
	qualified, err := security.QualifiedTable(table.ID.Database, table.ID.Name)
	if err != nil {
		return nil, err
	}
	col, err := security.ValidateAndEscapeIdentifier(column, "column name")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT k FROM (
		SELECT %s AS k, ROW_NUMBER() OVER (ORDER BY %s) AS rn FROM %s
	) sampled WHERE MOD(rn - 1, ?) = 0 ORDER BY k`, col, col, qualified)
	rows, err := s.db.QueryContext(ctx, query, every)
	if err != nil {
		return nil, fmt.Errorf("failed to sample keys of %s: %w", table.ID, err)
	}
	defer rows.Close()

	typ := s.columnType(table, column)
	var keys []common.Value
	for rows.Next() {
		var raw interface{}
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan sampled key: %w", err)
		}
		key, err := s.keyValue(raw, typ)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ReadChunk selects the rows of c in key order. A single statement reads one
// consistent InnoDB snapshot.
func (s *Source) ReadChunk(ctx context.Context, table common.Table, c chunk.Chunk) ([]common.Row, error) {
	qualified, err := security.QualifiedTable(table.ID.Database, table.ID.Name)
	if err != nil {
		return nil, err
	}
	names := table.ColumnNames()
	cols := make([]string, len(names))
	for i, name := range names {
		if cols[i], err = security.ValidateAndEscapeIdentifier(name, "column name"); err != nil {
			return nil, err
		}
	}

	var where []string
	var args []interface{}
	order := ""
	if key, ok := table.ChunkKey(); ok {
		keyCol, err := security.ValidateAndEscapeIdentifier(key, "column name")
		if err != nil {
			return nil, err
		}
		if !c.Low.IsOpen() {
			where = append(where, keyCol+" >= ?")
			args = append(args, c.Low.Value().Interface())
		}
		if !c.High.IsOpen() {
			where = append(where, keyCol+" < ?")
			args = append(args, c.High.Value().Interface())
		}
		order = " ORDER BY " + keyCol
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), qualified)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += order

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", c.ID, err)
	}
	defer rows.Close()

	var out []common.Row
	raw := make([]interface{}, len(names))
	ptrs := make([]interface{}, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row of chunk %s: %w", c.ID, err)
		}
		row := make(common.Row, len(names))
		for i, col := range table.Columns {
			v, err := columnValue(raw[i], col.Type)
			if err != nil {
				return nil, fmt.Errorf("column %s of chunk %s: %w", col.Name, c.ID, err)
			}
			row[col.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", c.ID, err)
	}
	return out, nil
}

// CurrentPosition returns the end of the last binlog event written.
func (s *Source) CurrentPosition(ctx context.Context) (common.Position, error) {
	pos, err := s.queryPosition(ctx, "SHOW MASTER STATUS")
	var myErr *driver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == erParse {
		pos, err = s.queryPosition(ctx, "SHOW BINARY LOG STATUS")
	}
	return pos, err
}

func (s *Source) queryPosition(ctx context.Context, query string) (common.Position, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return common.Position{}, fmt.Errorf("failed to read binlog position: %w", err)
	}
	defer rows.Close()

	values, err := firstRow(rows)
	if err != nil {
		return common.Position{}, fmt.Errorf("failed to read binlog position: %w", err)
	}
	if values == nil {
		return common.Position{}, fmt.Errorf("binary logging is not enabled on the source")
	}
	if len(values) < 2 {
		return common.Position{}, fmt.Errorf("unexpected %s result with %d columns", query, len(values))
	}

	pos := common.Position{File: values[0]}
	if _, err := fmt.Sscan(values[1], &pos.Offset); err != nil {
		return common.Position{}, fmt.Errorf("invalid binlog offset %q: %w", values[1], err)
	}
	return pos, nil
}

// EarliestPosition returns the start of the oldest binlog file still present.
func (s *Source) EarliestPosition(ctx context.Context) (common.Position, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return common.Position{}, fmt.Errorf("failed to list binary logs: %w", err)
	}
	defer rows.Close()

	values, err := firstRow(rows)
	if err != nil {
		return common.Position{}, fmt.Errorf("failed to list binary logs: %w", err)
	}
	if values == nil {
		return common.Position{}, fmt.Errorf("no binary logs on the source")
	}
	return common.Position{File: values[0], Offset: binlogHeaderSize}, nil
}

func (s *Source) Subscribe(ctx context.Context, filter common.ChangeFilter, from common.Position) (common.Subscription, error) {
	return s.stream.Subscribe(ctx, filter, from)
}

func (s *Source) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// firstRow scans the first row as text. Column counts of the SHOW
// statements differ between server versions. It returns nil for an empty
// result.
func firstRow(rows *sql.Rows) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, rows.Err()
	}
	raw := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	values := make([]string, len(raw))
	for i, v := range raw {
		values[i] = v.String
	}
	return values, nil
}
