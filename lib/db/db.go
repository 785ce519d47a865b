package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/lib/loop"
	"github.com/ValentinKolb/ctxd/lib/worker"
	"github.com/lni/dragonboat/v4/logger"
	_ "github.com/mattn/go-sqlite3"
)

var Logger = logger.GetLogger("db")

// ErrClosed is returned by synchronous operations on a closed database
var ErrClosed = errors.New("db: database is closed")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	dispatcher  Dispatcher
	journalMode string
	busyTimeout time.Duration
}

// Option configures Open
type Option func(*options)

// WithDispatcher delivers listener callbacks through d instead of a loop owned
// by the database
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithJournalMode sets the SQLite journal mode (default WAL)
func WithJournalMode(mode string) Option {
	return func(o *options) { o.journalMode = mode }
}

// WithBusyTimeout sets how long SQLite waits for a locked database (default 5s)
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// --------------------------------------------------------------------------
// DB
// --------------------------------------------------------------------------

// DB is a SQLite database with a dedicated query worker
type DB struct {
	path string
	conn *sql.DB

	// execMu serializes every statement, from the worker and from sync callers
	execMu sync.Mutex

	w          *worker.Worker[*query]
	dispatcher Dispatcher
	ownLoop    *loop.Loop
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Open opens (or creates) the database file at path and starts its worker
func Open(path string, opts ...Option) (*DB, error) {
	o := options{
		journalMode: "WAL",
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite_sequence lookups after an insert must see the same connection
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", o.journalMode),
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	d := &DB{
		path:       path,
		conn:       conn,
		dispatcher: o.dispatcher,
	}
	if d.dispatcher == nil {
		d.ownLoop = loop.New("db-dispatch")
		d.dispatcher = d.ownLoop
	}

	d.w = worker.New[*query]("db", d.onEvent, d.onDiscard)
	if err := d.w.Start(); err != nil {
		d.stopLoop()
		conn.Close()
		return nil, err
	}

	Logger.Infof("opened database %s", path)
	return d, nil
}

// Path returns the file the database was opened with
func (d *DB) Path() string {
	return d.path
}

// Close executes the queries that were already accepted, delivers their
// completions and closes the connection. Calling Close more than once returns the first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if err := d.w.Stop(); err != nil {
			Logger.Warningf("failed to stop db worker: %v", err)
		}
		d.stopLoop()

		d.closed.Store(true)
		d.execMu.Lock()
		d.closeErr = d.conn.Close()
		d.execMu.Unlock()

		Logger.Infof("closed database %s", d.path)
	})
	return d.closeErr
}

func (d *DB) stopLoop() {
	if d.ownLoop != nil {
		if err := d.ownLoop.Stop(); err != nil {
			Logger.Warningf("failed to stop dispatch loop: %v", err)
		}
	}
}

// Stats returns the counters of the query worker
func (d *DB) Stats() worker.Stats {
	return d.w.Stats()
}

// --------------------------------------------------------------------------
// Asynchronous API
// --------------------------------------------------------------------------

// CreateTable queues "CREATE TABLE IF NOT EXISTS". columns is the column
// definition list without the implicit row_id, option is appended verbatim
// after the closing parenthesis and may be empty.
// Returns false if the request was not accepted.
func (d *DB) CreateTable(queryID uint32, table, columns, option string, listener Listener) bool {
	if table == "" || columns == "" {
		return false
	}
	return d.push(&query{
		id:       queryID,
		kind:     KindCreateTable,
		sql:      composeCreate(table, columns, option),
		listener: listener,
	})
}

// Insert queues an insert of record into table. The listener receives the
// AUTOINCREMENT row id, or -1 if none could be determined.
// Returns false if the record has no usable column or the request was not accepted.
func (d *DB) Insert(queryID uint32, table string, record Record, listener Listener) bool {
	stmt, args, ok := composeInsert(table, record)
	if !ok {
		Logger.Errorf("invalid record for table %s", table)
		return false
	}
	return d.push(&query{
		id:       queryID,
		kind:     KindInsert,
		sql:      stmt,
		args:     args,
		table:    table,
		listener: listener,
	})
}

// Execute queues one SQL statement. The listener receives all result rows.
// Returns false if the request was not accepted.
func (d *DB) Execute(queryID uint32, stmt string, listener Listener) bool {
	if stmt == "" {
		return false
	}
	return d.push(&query{
		id:       queryID,
		kind:     KindExecute,
		sql:      stmt,
		listener: listener,
	})
}

func (d *DB) push(q *query) bool {
	if !d.w.Push(int(q.kind), q) {
		Logger.Warningf("query %d (%s) rejected, database worker is not running", q.id, q.kind)
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Synchronous API
// --------------------------------------------------------------------------

// CreateTableSync creates table on the caller's goroutine
func (d *DB) CreateTableSync(table, columns, option string) error {
	if table == "" || columns == "" {
		return errcode.ErrInvalidParameter
	}
	_, err := d.exec(composeCreate(table, columns, option))
	return err
}

// InsertSync inserts record into table and returns the AUTOINCREMENT row id
func (d *DB) InsertSync(table string, record Record) (int64, error) {
	stmt, args, ok := composeInsert(table, record)
	if !ok {
		return -1, fmt.Errorf("invalid record: %w", errcode.ErrInvalidParameter)
	}
	rowID, err := d.insert(stmt, args, table)
	if err != nil {
		return -1, err
	}
	if rowID < 0 {
		return -1, fmt.Errorf("no row id for table %s: %w", table, errcode.ErrOperationFailed)
	}
	return rowID, nil
}

// ExecuteSync runs one SQL statement and returns its result rows
func (d *DB) ExecuteSync(stmt string) ([]Row, error) {
	if stmt == "" {
		return nil, errcode.ErrInvalidParameter
	}
	return d.query(stmt)
}
