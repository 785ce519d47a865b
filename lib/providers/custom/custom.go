// Package custom provides database backed subjects that clients define at
// runtime. Every write is stored in a table of the shared database and
// published to the subscribers of the subject; a read returns the latest
// records.
//
// Read options (all optional):
//
//	{"limit": 10}   number of records, newest first (default 1)
package custom

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ctxd/lib/ctxmgr"
	"github.com/ValentinKolb/ctxd/lib/db"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("provider")

// MaxLimit caps the number of records a read returns
const MaxLimit = 1000

// Record is one stored value as returned by reads and publications
type Record struct {
	RowID     int64           `json:"row_id"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type readOptions struct {
	Limit int `json:"limit,omitempty"`
}

// Provider serves one custom subject
type Provider struct {
	ctxmgr.ProviderBase

	subject string
	table   string
	pub     ctxmgr.Publisher
	shared  *db.Shared
	db      *db.DB
	now     func() time.Time

	queryID atomic.Uint32

	mu      sync.Mutex
	options map[string]json.RawMessage // active subscriptions
	closed  bool
}

// TableName returns the table that stores the records of subject. Lower case
// letters and digits are kept, every other byte is written as '_' followed by
// its two hex digits, so distinct subjects never share a table (SQLite table
// names are case-insensitive).
func TableName(subject string) string {
	const hex = "0123456789abcdef"
	var sb strings.Builder
	sb.WriteString("custom_")
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0x0f])
		}
	}
	return sb.String()
}

// tables records the live providers per database file and table
var tables = struct {
	sync.Mutex
	owners map[string]string
}{owners: make(map[string]string)}

func claimTable(path, table, subject string) error {
	tables.Lock()
	defer tables.Unlock()
	key := path + "\x00" + table
	if owner, ok := tables.owners[key]; ok {
		return fmt.Errorf("table %s of %s is owned by subject %s: %w", table, path, owner, errcode.ErrAlreadyStarted)
	}
	tables.owners[key] = subject
	return nil
}

func releaseTable(path, table string) {
	tables.Lock()
	defer tables.Unlock()
	delete(tables.owners, path+"\x00"+table)
}

// New acquires the shared database and creates the table of subject
func New(pub ctxmgr.Publisher, shared *db.Shared, subject string) (*Provider, error) {
	if subject == "" {
		return nil, errcode.ErrInvalidParameter
	}

	d, err := shared.Acquire()
	if err != nil {
		return nil, fmt.Errorf("custom provider %s: %w", subject, err)
	}

	table := TableName(subject)
	if err := claimTable(d.Path(), table, subject); err != nil {
		_ = shared.Release()
		return nil, fmt.Errorf("custom provider %s: %w", subject, err)
	}

	p := &Provider{
		subject: subject,
		table:   table,
		pub:     pub,
		shared:  shared,
		db:      d,
		now:     time.Now,
		options: make(map[string]json.RawMessage),
	}

	if err := d.CreateTableSync(p.table, "data TEXT NOT NULL, created_at INTEGER NOT NULL", ""); err != nil {
		releaseTable(d.Path(), table)
		_ = shared.Release()
		return nil, fmt.Errorf("custom provider %s: %w", subject, err)
	}

	Logger.Infof("custom subject '%s' stored in table %s", subject, p.table)
	return p, nil
}

// Subject returns the subject served by the provider
func (p *Provider) Subject() string {
	return p.subject
}

// Subscribe registers option; subscribers receive every record written
func (p *Provider) Subscribe(option json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errcode.ErrNotStarted
	}
	p.options[string(option)] = option
	return nil, nil
}

// Unsubscribe removes option
func (p *Provider) Unsubscribe(option json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.options[string(option)]; !ok {
		return errcode.ErrNotStarted
	}
	delete(p.options, string(option))
	return nil
}

// Write stores data. Subscribers are notified once the record is stored.
func (p *Provider) Write(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 || !json.Valid(data) {
		return nil, errcode.ErrInvalidParameter
	}

	record := Record{CreatedAt: p.now().UnixMilli(), Data: data}
	row := db.Record{
		"data":       string(data),
		"created_at": record.CreatedAt,
	}

	accepted := p.db.Insert(p.queryID.Add(1), p.table, row, db.ListenerFuncs{
		Inserted: func(_ uint32, code errcode.Code, rowID int64) {
			if code != errcode.ErrNone {
				Logger.Errorf("%s: failed to store record: %s", p.subject, code)
				return
			}
			record.RowID = rowID
			p.publish(record)
		},
	})
	if !accepted {
		return nil, errcode.ErrOperationFailed
	}
	return nil, nil
}

func (p *Provider) publish(record Record) {
	out, err := json.Marshal(record)
	if err != nil {
		Logger.Errorf("%s: %v", p.subject, err)
		return
	}

	p.mu.Lock()
	options := make([]json.RawMessage, 0, len(p.options))
	for _, option := range p.options {
		options = append(options, option)
	}
	p.mu.Unlock()

	for _, option := range options {
		if err := p.pub.Publish(p.subject, option, errcode.ErrNone, out); err != nil {
			Logger.Warningf("%s: publish failed: %v", p.subject, err)
		}
	}
}

// Read queries the latest records and replies with {"records": [...]}.
// An empty table is answered with errcode.ErrNoData. The result carries the
// effective options, e.g. {"limit":1}.
func (p *Provider) Read(option json.RawMessage) (json.RawMessage, error) {
	var o readOptions
	if len(option) > 0 {
		if err := json.Unmarshal(option, &o); err != nil {
			return nil, errcode.ErrInvalidParameter
		}
	}
	if o.Limit == 0 {
		o.Limit = 1
	}
	if o.Limit < 0 || o.Limit > MaxLimit {
		return nil, errcode.ErrOutOfRange
	}

	stmt := fmt.Sprintf("SELECT row_id, data, created_at FROM %s ORDER BY row_id DESC LIMIT %d", p.table, o.Limit)
	accepted := p.db.Execute(p.queryID.Add(1), stmt, db.ListenerFuncs{
		Executed: func(_ uint32, code errcode.Code, rows []db.Row) {
			p.reply(option, code, rows)
		},
	})
	if !accepted {
		return nil, errcode.ErrOperationFailed
	}
	return json.Marshal(o)
}

func (p *Provider) reply(option json.RawMessage, code errcode.Code, rows []db.Row) {
	if code == errcode.ErrNone && len(rows) == 0 {
		code = errcode.ErrNoData
	}

	var out json.RawMessage
	if code == errcode.ErrNone {
		records := make([]Record, 0, len(rows))
		for _, row := range rows {
			r, ok := toRecord(row)
			if !ok {
				continue
			}
			records = append(records, r)
		}
		out, _ = json.Marshal(map[string][]Record{"records": records})
	}

	if err := p.pub.ReplyToRead(p.subject, option, code, out); err != nil {
		Logger.Warningf("%s: reply failed: %v", p.subject, err)
	}
}

func toRecord(row db.Row) (Record, bool) {
	rowID, ok1 := row["row_id"].(int64)
	createdAt, ok2 := row["created_at"].(int64)
	data, ok3 := row["data"].(string)
	if !ok1 || !ok2 || !ok3 || !json.Valid([]byte(data)) {
		return Record{}, false
	}
	return Record{RowID: rowID, CreatedAt: createdAt, Data: json.RawMessage(data)}, true
}

// Close releases the shared database
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.options = make(map[string]json.RawMessage)
	p.mu.Unlock()

	releaseTable(p.db.Path(), p.table)
	return p.shared.Release()
}
