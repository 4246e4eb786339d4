package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/volatiletech/strmangle"

	"github.com/trezcool/masomo-forms/core"
)

// bulkInsertRows caps the rows of one multi-row INSERT, under the bind parameter limits of both engines.
const bulkInsertRows = 500

var errInvalidOrdering = errors.New("invalid ordering")

type base struct {
	db core.DBExecutor
}

func (b base) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return b.db
}

// trapNoRowsErr maps the "no rows" error to notFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// checkAffected returns notFound when res did not touch any row.
func checkAffected(res sql.Result, notFound error, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// orderBy renders ordering as an ORDER BY clause; unknown columns are refused.
func orderBy(ordering []core.DBOrdering, allowed map[string]string, fallback string) (string, error) {
	if len(ordering) == 0 {
		return " ORDER BY " + fallback, nil
	}
	parts := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		col, ok := allowed[ord.Field]
		if !ok {
			return "", core.NewValidationError(errInvalidOrdering, core.FieldError{Field: "ordering", Error: "unknown field " + ord.Field})
		}
		parts = append(parts, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// prefixed qualifies every column of a comma-separated list with prefix.
func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// bulkValues returns the VALUES placeholders of `rows` rows of `cols` columns, in the driver's style.
func bulkValues(exec core.DBExecutor, rows, cols int) string {
	return strmangle.Placeholders(exec.DriverName() == "postgres", rows*cols, 1, cols)
}

// bulkInsert runs `query` (a format string taking the VALUES list) once per chunk of rows and
// calls scan on every returned row, when the query has a RETURNING clause.
func bulkInsert(
	ctx context.Context,
	exec core.DBExecutor,
	query string,
	cols int,
	rows [][]interface{},
	scan func(*sql.Rows) error,
) error {
	for start := 0; start < len(rows); start += bulkInsertRows {
		end := start + bulkInsertRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		args := make([]interface{}, 0, len(chunk)*cols)
		for _, r := range chunk {
			args = append(args, r...)
		}
		q := fmt.Sprintf(query, bulkValues(exec, len(chunk), cols))

		if scan == nil {
			if _, err := exec.ExecContext(ctx, q, args...); err != nil {
				return err
			}
			continue
		}
		res, err := exec.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		for res.Next() {
			if err = scan(res); err != nil {
				_ = res.Close()
				return err
			}
		}
		if err = res.Err(); err != nil {
			_ = res.Close()
			return err
		}
		_ = res.Close()
	}
	return nil
}
