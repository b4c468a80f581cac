package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lumenlab/optiq/internal/domain/model"
)

// Repository sentinels re-exported from the domain so callers of the data
// package can match without importing model.
var (
	ErrJobNotFound    = model.ErrJobNotFound
	ErrRunNotFound    = model.ErrRunNotFound
	ErrWorkerNotFound = model.ErrWorkerNotFound
	ErrPromptNotFound = model.ErrPromptNotFound
	ErrModelNotFound  = model.ErrModelNotFound
	ErrDuplicateName  = model.ErrDuplicateName
)

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// IsForeignKeyViolation reports whether err is a PostgreSQL foreign key violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}
