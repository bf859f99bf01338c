package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/okian/podium/internal/domain/model"
)

// Sentinel kinds for repository errors.
var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrClosed        = fmt.Errorf("store closed: %w", model.ErrStoreUnavailable)
)

// Error kinds used as metric labels.
const (
	kindDuplicate   = "duplicate"
	kindNotFound    = "not_found"
	kindUnavailable = "unavailable"
	kindInternal    = "internal"
)

// classify maps a driver error onto the domain taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrDuplicateName),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrStoreUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, model.ErrDuplicateName)
	case isUnavailable(err):
		return model.Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrDuplicateName):
		return kindDuplicate
	case errors.Is(err, model.ErrNotFound):
		return kindNotFound
	case errors.Is(err, model.ErrStoreUnavailable):
		return kindUnavailable
	default:
		return kindInternal
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 57P: operator intervention (shutdown)
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P")
	}
	return isTransientSQLiteErr(err) || strings.Contains(err.Error(), "database is closed")
}
