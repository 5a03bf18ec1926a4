package security

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierRegex accepts unquoted MySQL identifiers: letters, digits,
// underscore and dollar, not starting with a digit.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// maxIdentifierLength is the MySQL limit for database, table and column names.
const maxIdentifierLength = 64

// ValidateIdentifier checks that an identifier is safe to interpolate into
// SQL. Identifiers cannot be bound as parameters, so every name taken from
// metadata or configuration goes through here before it reaches a query.
//
// Reserved words are accepted because identifiers are always quoted with
// EscapeIdentifier.
func ValidateIdentifier(identifier string, identifierType string) error {
	if len(identifier) == 0 {
		return fmt.Errorf("%s cannot be empty", identifierType)
	}
	if len(identifier) > maxIdentifierLength {
		return fmt.Errorf("%s too long (%d characters, max %d): %s", identifierType, len(identifier), maxIdentifierLength, identifier)
	}
	if !identifierRegex.MatchString(identifier) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, underscore and dollar allowed, must not start with a digit): %s", identifierType, identifier)
	}
	return nil
}

// EscapeIdentifier doubles embedded backticks and wraps the identifier in
// backticks. It does not validate.
func EscapeIdentifier(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func ValidateAndEscapeIdentifier(identifier string, identifierType string) (string, error) {
	if err := ValidateIdentifier(identifier, identifierType); err != nil {
		return "", err
	}
	return EscapeIdentifier(identifier), nil
}

// QualifiedTable returns `database`.`table` after validating both parts.
func QualifiedTable(database, table string) (string, error) {
	db, err := ValidateAndEscapeIdentifier(database, "database name")
	if err != nil {
		return "", err
	}
	tbl, err := ValidateAndEscapeIdentifier(table, "table name")
	if err != nil {
		return "", err
	}
	return db + "." + tbl, nil
}

// ColumnList validates and escapes columns and joins them with commas.
func ColumnList(columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("column list cannot be empty")
	}
	escaped := make([]string, len(columns))
	for i, column := range columns {
		c, err := ValidateAndEscapeIdentifier(column, "column name")
		if err != nil {
			return "", err
		}
		escaped[i] = c
	}
	return strings.Join(escaped, ", "), nil
}
