// Package history pages through the claim log newest first.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
	"github.com/okian/podium/pkg/tracing"
)

// Page size limits.
const (
	DefaultPageSize = 10
	DefaultMaxSize  = 100
)

// Log is the event log read by the pager. PageEvents must return rows and
// total from one consistent read.
type Log interface {
	PageEvents(ctx context.Context, offset, limit int) ([]model.HistoryEntry, int, error)
}

// Pager serves history pages.
type Pager struct {
	log     Log
	maxSize int
	logger  logger.Logger
}

// Option applies a configuration option to the Pager.
type Option func(*Pager)

// WithMaxPageSize caps the accepted page size.
func WithMaxPageSize(n int) Option {
	return func(p *Pager) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithLogger sets the pager logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pager) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPager creates a pager over log.
func NewPager(log Log, opts ...Option) *Pager {
	p := &Pager{log: log, maxSize: DefaultMaxSize, logger: logger.Get()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("history")
	return p
}

// MaxPageSize returns the largest accepted page size.
func (p *Pager) MaxPageSize() int { return p.maxSize }

// Page returns page number (1-based) of size events, newest first. A page
// past the end is empty but still reports the total page count.
func (p *Pager) Page(ctx context.Context, number, size int) (model.Page, error) {
	if number < 1 {
		return model.Page{}, model.Invalid("page must be >= 1, got %d", number)
	}
	if size < 1 || size > p.maxSize {
		return model.Page{}, model.Invalid("page size must be between 1 and %d, got %d", p.maxSize, size)
	}

	ctx, end := tracing.StartSpan(ctx, "history.page")
	start := time.Now()
	entries, total, err := p.log.PageEvents(ctx, (number-1)*size, size)
	end(err)
	if err != nil {
		p.logger.Warn(ctx, "history read failed", logger.Int("page", number), logger.Error(err))
		return model.Page{}, fmt.Errorf("history page %d: %w", number, err)
	}
	metrics.RecordHistoryPageLatency(float64(time.Since(start).Microseconds()) / 1000.0)

	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return model.Page{
		Entries:    entries,
		Number:     number,
		Size:       size,
		Total:      total,
		TotalPages: TotalPages(total, size),
	}, nil
}

// TotalPages returns ceil(total/size).
func TotalPages(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
