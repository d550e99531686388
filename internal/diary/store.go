// Package diary persists diary entries and assembles weekly reports
// from them. The gateway only ever calls AddEntry and GenerateReport;
// the storage format behind them is an implementation detail.
package diary

import (
	"context"
	"time"
)

// Entry is one stored diary record.
type Entry struct {
	ID        string    `db:"id"`
	Date      string    `db:"entry_date"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

// Store is the persistence interface consumed by the dispatcher.
type Store interface {
	// AddEntry appends text under the given YYYY-MM-DD date.
	AddEntry(ctx context.Context, date, text string) error

	// EntriesBetween returns entries with start <= date <= end,
	// ordered by date then insertion time.
	EntriesBetween(ctx context.Context, start, end string) ([]Entry, error)

	// GenerateReport aggregates the entries of the inclusive date range
	// into a plain-text report.
	GenerateReport(ctx context.Context, start, end string) (string, error)

	Close() error
}
