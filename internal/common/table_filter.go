package common

import (
	"fmt"
	"regexp"

	"github.com/philippevezina/snapshot-bridge/internal/config"
)

// TableFilter selects which discovered tables take part in the job. Database
// and table patterns are matched independently; explicit lists match either
// the bare table name or db.table.
type TableFilter struct {
	databaseRegex *regexp.Regexp
	tableRegex    *regexp.Regexp
	excludeRegex  []*regexp.Regexp
	includeTables map[string]bool
	excludeTables map[string]bool
}

func NewTableFilter(cfg config.TableFilterConfig) (*TableFilter, error) {
	tf := &TableFilter{
		includeTables: make(map[string]bool),
		excludeTables: make(map[string]bool),
	}

	var err error
	if cfg.DatabasePattern != "" {
		if tf.databaseRegex, err = compileAnchored(cfg.DatabasePattern); err != nil {
			return nil, fmt.Errorf("invalid database pattern '%s': %w", cfg.DatabasePattern, err)
		}
	}
	if cfg.TablePattern != "" {
		if tf.tableRegex, err = compileAnchored(cfg.TablePattern); err != nil {
			return nil, fmt.Errorf("invalid table pattern '%s': %w", cfg.TablePattern, err)
		}
	}

	for _, pattern := range cfg.ExcludePatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		tf.excludeRegex = append(tf.excludeRegex, regex)
	}

	for _, table := range cfg.IncludeTables {
		tf.includeTables[table] = true
	}
	for _, table := range cfg.ExcludeTables {
		tf.excludeTables[table] = true
	}

	return tf, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// Matches reports whether the table is selected. Exclusions always win.
func (tf *TableFilter) Matches(id TableID) bool {
	fullName := id.String()

	if tf.excludeTables[fullName] || tf.excludeTables[id.Name] {
		return false
	}
	for _, regex := range tf.excludeRegex {
		if regex.MatchString(fullName) {
			return false
		}
	}

	if len(tf.includeTables) > 0 {
		return tf.includeTables[fullName] || tf.includeTables[id.Name]
	}
	if tf.databaseRegex != nil && !tf.databaseRegex.MatchString(id.Database) {
		return false
	}
	if tf.tableRegex != nil && !tf.tableRegex.MatchString(id.Name) {
		return false
	}
	return true
}

// DatabasePattern returns the anchored database expression, or "" when any
// database is accepted. Sources use it to narrow metadata queries.
func (tf *TableFilter) DatabasePattern() string {
	if tf.databaseRegex == nil {
		return ""
	}
	return tf.databaseRegex.String()
}
