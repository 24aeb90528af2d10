// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

// SQLSource runs a configured, parameterized query against a database and
// returns the rows as maps. Placeholders use named form (:name, @name or
// $name depending on the driver); fetch parameters bind by name.
type SQLSource struct {
	name  string
	db    *sql.DB
	query string
}

// NewSQLSource opens the database and wraps it as a data source. The
// connection is lazy: sql.Open validates nothing until the first fetch.
func NewSQLSource(name, driver, dsn, query string) (*SQLSource, error) {
	if name == "" {
		return nil, errors.NewInvalidInputError("sql source name is required")
	}
	if dsn == "" || query == "" {
		return nil, errors.NewInvalidInputError("sql source requires dsn and query").
			WithContext("source", name)
	}
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "open database", err).
			WithContext("source", name).
			WithContext("driver", driver)
	}
	return &SQLSource{name: name, db: db, query: query}, nil
}

func (s *SQLSource) Name() string { return s.name }

// Fetch executes the configured statement, or the caller's query when one
// is given, binding params as named arguments. Rows come back as
// []map[string]any with []byte columns flattened to strings.
func (s *SQLSource) Fetch(ctx context.Context, query string, params map[string]any) (any, error) {
	stmt := s.query
	if query != "" {
		stmt = query
	}

	args := make([]any, 0, len(params))
	for k, v := range params {
		args = append(args, sql.Named(k, v))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "sql fetch failed", err).
			WithContext("source", s.name).
			WithRecoverable(true)
	}
	defer rows.Close()

	return rowsToMaps(rows)
}

// Close releases the underlying connection pool.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

var _ core.DataSource = (*SQLSource)(nil)
