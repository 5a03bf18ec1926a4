package schema

import (
	"regexp"
	"strings"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type DDLKind string

const (
	DDLCreateTable   DDLKind = "CREATE_TABLE"
	DDLAlterTable    DDLKind = "ALTER_TABLE"
	DDLDropTable     DDLKind = "DROP_TABLE"
	DDLTruncateTable DDLKind = "TRUNCATE_TABLE"
	DDLRenameTable   DDLKind = "RENAME_TABLE"
	DDLUnknown       DDLKind = "UNKNOWN"
)

// DDLStatement is the classification of a query event. Table is the first
// table the statement names, qualified with the session database when the
// statement does not name one.
type DDLStatement struct {
	Kind      DDLKind
	Table     common.TableID
	Statement string
}

const tableName = `(?:(?:(\w+)|` + "`([^`]+)`" + `)\.)?(?:(\w+)|` + "`([^`]+)`" + `)`

var ddlPatterns = []struct {
	kind DDLKind
	re   *regexp.Regexp
}{
	{DDLCreateTable, regexp.MustCompile(`(?is)^CREATE\s+(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + tableName)},
	{DDLAlterTable, regexp.MustCompile(`(?is)^ALTER\s+(?:ONLINE\s+|IGNORE\s+)?TABLE\s+` + tableName)},
	{DDLDropTable, regexp.MustCompile(`(?is)^DROP\s+(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+EXISTS\s+)?` + tableName)},
	{DDLTruncateTable, regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?` + tableName)},
	{DDLRenameTable, regexp.MustCompile(`(?is)^RENAME\s+TABLE\s+` + tableName)},
}

// ParseDDL classifies statement. Statements that are not table DDL, or that
// cannot be matched, come back as DDLUnknown with an empty table.
func ParseDDL(statement, defaultDatabase string) DDLStatement {
	stmt := DDLStatement{Kind: DDLUnknown, Statement: strings.TrimSpace(statement)}
	for _, p := range ddlPatterns {
		m := p.re.FindStringSubmatch(stmt.Statement)
		if m == nil {
			continue
		}
		stmt.Kind = p.kind
		stmt.Table = common.TableID{Database: firstOf(m[1], m[2]), Name: firstOf(m[3], m[4])}
		if stmt.Table.Database == "" {
			stmt.Table.Database = defaultDatabase
		}
		return stmt
	}
	return stmt
}

// Concerns reports whether the statement may change table. Unclassified
// statements are assumed to.
func (s DDLStatement) Concerns(table common.TableID) bool {
	return s.Kind == DDLUnknown || s.Table == table
}

func firstOf(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
