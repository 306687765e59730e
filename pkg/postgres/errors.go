package postgres

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// Classify wraps a pgx error with the ghsync error type matching its
// SQLSTATE class, so connection problems are retried and data problems are not.
func Classify(err error, message string) *errors.Error {
	return errors.Wrap(err, typeOf(err), message)
}

func typeOf(err error) errors.ErrorType {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.ErrorTypeTimeout
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return errors.ErrorTypeConnection
		case strings.HasPrefix(pgErr.Code, "28"):
			return errors.ErrorTypeAuthentication
		case pgErr.Code == "42501":
			return errors.ErrorTypePermission
		case pgErr.Code == "3D000", pgErr.Code == "3F000":
			return errors.ErrorTypeConfig
		case pgErr.Code == "42P01":
			return errors.ErrorTypeNotFound
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return errors.ErrorTypeData
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			// serialization failure and deadlock are worth another attempt
			return errors.ErrorTypeConnection
		default:
			return errors.ErrorTypeQuery
		}
	}

	var connErr *pgconn.ConnectError
	if stderrors.As(err, &connErr) || pgconn.Timeout(err) {
		return errors.ErrorTypeConnection
	}
	return errors.ErrorTypeQuery
}
