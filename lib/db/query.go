package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/VictoriaMetrics/metrics"
)

// Kind identifies the asynchronous operation a query was queued for
type Kind int

const (
	KindCreateTable Kind = iota + 1
	KindInsert
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindCreateTable:
		return "create_table"
	case KindInsert:
		return "insert"
	case KindExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// query is one queued request. It is consumed exactly once by the worker or,
// at shutdown, by the discard path.
type query struct {
	id       uint32
	kind     Kind
	sql      string
	args     []any
	table    string
	listener Listener
}

// --------------------------------------------------------------------------
// Statement composition
// --------------------------------------------------------------------------

func composeCreate(table, columns, option string) string {
	stmt := "CREATE TABLE IF NOT EXISTS " + table +
		" (row_id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT, " + columns + ")"
	if option != "" {
		stmt += " " + option
	}
	return stmt
}

// composeInsert builds a parameterized INSERT. Columns are emitted in sorted
// order; values that are neither strings nor integers are skipped.
func composeInsert(table string, record Record) (string, []any, bool) {
	if table == "" || len(record) == 0 {
		return "", nil, false
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v, ok := normalizeValue(record[k])
		if !ok {
			continue
		}
		cols = append(cols, k)
		args = append(args, v)
	}
	if len(cols) == 0 {
		return "", nil, false
	}

	stmt := "INSERT INTO " + table + " (" + strings.Join(cols, ",") +
		") VALUES (" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	return stmt, args, true
}

func normalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	default:
		return nil, false
	}
}

// --------------------------------------------------------------------------
// Execution (caller must not hold execMu)
// --------------------------------------------------------------------------

func (d *DB) exec(stmt string, args ...any) (sql.Result, error) {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	if d.closed.Load() {
		return nil, ErrClosed
	}

	Logger.Debugf("SQL: %s", stmt)
	res, err := d.conn.Exec(stmt, args...)
	if err != nil {
		return nil, d.fail(stmt, err)
	}
	return res, nil
}

// insert runs the INSERT and reads the table's sequence under one lock hold.
// Returns -1 as row id if the table has no sequence entry.
func (d *DB) insert(stmt string, args []any, table string) (int64, error) {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	if d.closed.Load() {
		return -1, ErrClosed
	}

	Logger.Debugf("SQL: %s", stmt)
	if _, err := d.conn.Exec(stmt, args...); err != nil {
		return -1, d.fail(stmt, err)
	}

	var seq int64
	err := d.conn.QueryRow("SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return -1, nil
	case err != nil:
		return -1, d.fail("SELECT seq FROM sqlite_sequence", err)
	}
	return seq, nil
}

func (d *DB) query(stmt string) ([]Row, error) {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	if d.closed.Load() {
		return nil, ErrClosed
	}

	Logger.Debugf("SQL: %s", stmt)
	rows, err := d.conn.Query(stmt)
	if err != nil {
		return nil, d.fail(stmt, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, d.fail(stmt, err)
	}

	result := make([]Row, 0)
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, d.fail(stmt, err)
		}

		row := make(Row, len(columns))
		hasNull := false
		for i, col := range columns {
			v, ok := columnValue(values[i])
			if !ok {
				hasNull = true
				break
			}
			row[col] = v
		}
		if hasNull {
			Logger.Warningf("null columns exist, dropping row")
			continue
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail(stmt, err)
	}
	return result, nil
}

// columnValue converts a scanned driver value to a Row value.
// Returns false for NULL.
func columnValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case int64:
		return x, true
	case string:
		return x, true
	case []byte:
		return string(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case time.Time:
		return x.Format(time.RFC3339Nano), true
	default:
		return fmt.Sprint(x), true
	}
}

func (d *DB) fail(stmt string, err error) error {
	Logger.Errorf("DB error: %v (SQL: %s)", err, stmt)
	metrics.GetOrCreateCounter("ctxd_db_errors_total").Inc()
	return fmt.Errorf("%w: %w", errcode.ErrOperationFailed, err)
}

// --------------------------------------------------------------------------
// Worker callbacks
// --------------------------------------------------------------------------

// onEvent runs on the worker goroutine
func (d *DB) onEvent(_ int, q *query) {
	start := time.Now()
	metrics.GetOrCreateCounter(fmt.Sprintf(`ctxd_db_queries_total{kind=%q}`, q.kind)).Inc()

	var (
		code  = errcode.ErrNone
		rowID = int64(-1)
		rows  []Row
		err   error
	)

	switch q.kind {
	case KindCreateTable:
		_, err = d.exec(q.sql)
	case KindInsert:
		rowID, err = d.insert(q.sql, q.args, q.table)
	case KindExecute:
		rows, err = d.query(q.sql)
	}
	if err != nil {
		code = errcode.ErrOperationFailed
		rowID = -1
		rows = nil
	}
	if rows == nil {
		rows = []Row{}
	}

	metrics.GetOrCreateHistogram(fmt.Sprintf(`ctxd_db_query_duration_seconds{kind=%q}`, q.kind)).UpdateDuration(start)
	d.dispatch(q, code, rowID, rows)
}

// onDiscard completes a query the worker dropped without executing it. Close
// runs every accepted query first, so this only fires if the worker exits
// early.
func (d *DB) onDiscard(_ int, q *query) {
	d.dispatch(q, errcode.ErrOperationFailed, -1, []Row{})
}

// dispatch delivers the outcome of q to its listener through the dispatcher.
// If the dispatcher no longer accepts callbacks the listener is called inline
// so that it still fires exactly once.
func (d *DB) dispatch(q *query, code errcode.Code, rowID int64, rows []Row) {
	if q.listener == nil {
		return
	}

	deliver := func() {
		switch q.kind {
		case KindCreateTable:
			q.listener.OnTableCreated(q.id, code)
		case KindInsert:
			q.listener.OnInserted(q.id, code, rowID)
		case KindExecute:
			q.listener.OnExecuted(q.id, code, rows)
		}
	}

	if !d.dispatcher.Dispatch(deliver) {
		Logger.Warningf("dispatcher rejected result of query %d, delivering inline", q.id)
		deliver()
	}
}
