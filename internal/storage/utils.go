package storage

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newID() string {
	return uuid.NewString()
}

// jsonArg passes JSON as text so lib/pq does not encode it as bytea.
func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func expectRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pqCode(err) == "23503"
}
