// Package sqlexec runs one ad-hoc statement on a leased connection and
// returns its rows as column-keyed maps.
package sqlexec

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// MaxRows is both the default and the ceiling for Statement.MaxRows.
const MaxRows = 1000

type Statement struct {
	SQL string
	// Binds is a JSON array of positional parameters ($1, $2, ...).
	Binds   json.RawMessage
	MaxRows int
	// Commit keeps the statement's effects. By default the transaction is
	// rolled back.
	Commit  bool
	Timeout time.Duration
}

type Result struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
	// Truncated is set when the statement produced more than MaxRows rows.
	Truncated bool
}

// Execute runs st in its own transaction.
func Execute(ctx context.Context, conn postgres.Conn, st Statement) (Result, error) {
	sql := strings.TrimSpace(st.SQL)
	if sql == "" {
		return Result{}, errx.Validation("sql", "no SQL statement provided")
	}
	binds, err := DecodeBinds(st.Binds)
	if err != nil {
		return Result{}, err
	}
	if conn == nil {
		return Result{}, errx.New(errx.KindConfig, "sql", "connection is required")
	}

	limit := st.MaxRows
	if limit <= 0 || limit > MaxRows {
		limit = MaxRows
	}

	var res Result
	err = postgres.WithTx(ctx, conn, postgres.TxConfig{StatementTimeout: st.Timeout}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, binds...)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		res.Columns = make([]string, len(fields))
		for i, f := range fields {
			res.Columns[i] = f.Name
		}
		res.Rows = make([]map[string]any, 0)

		for rows.Next() {
			if len(res.Rows) == limit {
				res.Truncated = true
				break
			}
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			rec := make(map[string]any, len(vals))
			for i, v := range vals {
				rec[res.Columns[i]] = v
			}
			res.Rows = append(res.Rows, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		res.RowsAffected = rows.CommandTag().RowsAffected()

		if !st.Commit {
			return postgres.ErrRollback
		}
		return nil
	})
	if err != nil {
		if errx.KindOf(err) == errx.KindCommit {
			return Result{}, err
		}
		return Result{}, errx.Wrap(errx.KindQuery, "sql", err)
	}
	return res, nil
}

// DecodeBinds turns a JSON array into positional parameters. Whole numbers
// become int64, other numbers float64. Empty input means no parameters.
func DecodeBinds(raw json.RawMessage) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return nil, errx.Validation("sql", "binds must be a JSON array")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var binds []any
	if err := dec.Decode(&binds); err != nil {
		return nil, errx.Validation("sql", "invalid binds: "+err.Error())
	}
	for i, b := range binds {
		binds[i] = normalize(b)
	}
	return binds, nil
}

func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
