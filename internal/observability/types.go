package observability

// Severity is the level of a reported error or message.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorContext locates a failure in the job.
type ErrorContext struct {
	// Component is the package that failed, such as "coordinator",
	// "worker" or "table_stream".
	Component string
	// Operation is what the component was doing, such as
	// "checkpoint_save" or "snapshot_split".
	Operation string
	Table     string
	Split     string
	// Position is the change log position the failure refers to.
	Position string
	Extra    map[string]interface{}
}

// NewErrorContext creates an ErrorContext for the given component and operation.
func NewErrorContext(component, operation string) *ErrorContext {
	return &ErrorContext{
		Component: component,
		Operation: operation,
		Extra:     make(map[string]interface{}),
	}
}

// WithTable adds a table to the error context.
func (ec *ErrorContext) WithTable(table string) *ErrorContext {
	ec.Table = table
	return ec
}

// WithSplit adds the split being run to the error context.
func (ec *ErrorContext) WithSplit(splitID string) *ErrorContext {
	ec.Split = splitID
	return ec
}

// WithPosition adds a change log position to the error context.
func (ec *ErrorContext) WithPosition(position string) *ErrorContext {
	ec.Position = position
	return ec
}

// WithExtra adds an extra key-value pair to the error context.
func (ec *ErrorContext) WithExtra(key string, value interface{}) *ErrorContext {
	if ec.Extra == nil {
		ec.Extra = make(map[string]interface{})
	}
	ec.Extra[key] = value
	return ec
}

// Tags returns the indexed fields of the context. Empty fields are left out.
func (ec *ErrorContext) Tags() map[string]string {
	tags := make(map[string]string, 4)
	for key, value := range map[string]string{
		"component": ec.Component,
		"operation": ec.Operation,
		"table":     ec.Table,
		"split":     ec.Split,
	} {
		if value != "" {
			tags[key] = value
		}
	}
	return tags
}
