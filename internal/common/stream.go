package common

import (
	"context"
	"errors"
)

// ErrPositionUnavailable is returned by a subscription whose start position
// has been purged from the change log, or when the next event does not start
// where the previous one ended.
var ErrPositionUnavailable = errors.New("change stream position unavailable")

// ChangeFilter selects the records a subscription yields. Heartbeats always
// pass.
type ChangeFilter struct {
	// Tables restricts records to these tables. Empty means every table.
	Tables []TableID
	// Accept, when set, drops row records it rejects.
	Accept func(rec ChangeRecord) bool
}

func (f ChangeFilter) Matches(rec ChangeRecord) bool {
	if rec.Heartbeat {
		return true
	}
	if len(f.Tables) > 0 {
		found := false
		for _, t := range f.Tables {
			if t == rec.Table {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.Accept == nil || f.Accept(rec)
}

// ChangeStream gives ordered access to the source change log.
type ChangeStream interface {
	// Subscribe yields the records positioned strictly after from.
	Subscribe(ctx context.Context, filter ChangeFilter, from Position) (Subscription, error)
}

type Subscription interface {
	// Next blocks until the next record is available.
	Next(ctx context.Context) (ChangeRecord, error)
	// Scanned returns the position up to which every matching record has
	// been returned by Next.
	Scanned() Position
	Close() error
}
