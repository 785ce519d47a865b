package custom

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/ctxd/lib/db"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type value struct {
	option string
	code   errcode.Code
	data   json.RawMessage
}

// publisher forwards provider values to channels
type publisher struct {
	publishes chan value
	replies   chan value
}

func newPublisher() *publisher {
	return &publisher{publishes: make(chan value, 16), replies: make(chan value, 16)}
}

func (p *publisher) Publish(_ string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	p.publishes <- value{string(option), code, data}
	return nil
}

func (p *publisher) ReplyToRead(_ string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	p.replies <- value{string(option), code, data}
	return nil
}

func wait(t *testing.T, ch chan value) value {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return value{}
	}
}

func newProvider(t *testing.T, subject string) (*Provider, *publisher, *db.Shared) {
	t.Helper()
	shared := db.NewShared(filepath.Join(t.TempDir(), "ctx.db"))
	pub := newPublisher()
	p, err := New(pub, shared, subject)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, pub, shared
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "custom_app_2fweather", TableName("app/weather"))
	assert.Equal(t, "custom_a_2eb_2dc_201", TableName("a.b-c 1"))
	assert.Equal(t, "custom__41pp", TableName("App"))

	seen := make(map[string]string)
	for _, subject := range []string{"app/x", "app_x", "app.x", "App/x", "app/X", "app_2fx", "app/_x"} {
		table := TableName(subject)
		other, dup := seen[table]
		assert.False(t, dup, "%s and %s share table %s", subject, other, table)
		seen[table] = subject
	}
}

func TestSimilarSubjectsKeepSeparateRecords(t *testing.T) {
	shared := db.NewShared(filepath.Join(t.TempDir(), "ctx.db"))

	pubA, pubB := newPublisher(), newPublisher()
	a, err := New(pubA, shared, "app/x")
	require.NoError(t, err)
	defer a.Close()
	b, err := New(pubB, shared, "app_x")
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.table, b.table)

	_, err = a.Write(json.RawMessage(`{"from":"app/x"}`))
	require.NoError(t, err)

	_, err = b.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, errcode.ErrNoData, wait(t, pubB.replies).code)

	_, err = a.Read(nil)
	require.NoError(t, err)
	v := wait(t, pubA.replies)
	require.Equal(t, errcode.ErrNone, v.code)
	assert.Contains(t, string(v.data), `"from":"app/x"`)
}

func TestSubjectServedOncePerDatabase(t *testing.T) {
	shared := db.NewShared(filepath.Join(t.TempDir(), "ctx.db"))

	a, err := New(newPublisher(), shared, "app/x")
	require.NoError(t, err)

	_, err = New(newPublisher(), shared, "app/x")
	assert.ErrorIs(t, err, errcode.ErrAlreadyStarted)
	assert.Equal(t, 1, shared.RefCount())

	// the table is free again once the owner is closed
	require.NoError(t, a.Close())
	b, err := New(newPublisher(), shared, "app/x")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, 0, shared.RefCount())
}

func TestWritePublishesToSubscribers(t *testing.T) {
	p, pub, _ := newProvider(t, "app/weather")
	p.now = func() time.Time { return time.UnixMilli(42) }

	_, err := p.Subscribe(json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = p.Write(json.RawMessage(`{"temp":21}`))
	require.NoError(t, err)

	v := wait(t, pub.publishes)
	assert.Equal(t, "{}", v.option)
	assert.Equal(t, errcode.ErrNone, v.code)
	assert.JSONEq(t, `{"row_id":1,"created_at":42,"data":{"temp":21}}`, string(v.data))

	// second write gets the next row id
	_, err = p.Write(json.RawMessage(`{"temp":22}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"row_id":2,"created_at":42,"data":{"temp":22}}`, string(wait(t, pub.publishes).data))

	require.NoError(t, p.Unsubscribe(json.RawMessage(`{}`)))
	assert.ErrorIs(t, p.Unsubscribe(json.RawMessage(`{}`)), errcode.ErrNotStarted)
}

func TestWriteInvalid(t *testing.T) {
	p, _, _ := newProvider(t, "app/x")

	_, err := p.Write(nil)
	assert.ErrorIs(t, err, errcode.ErrInvalidParameter)
	_, err = p.Write(json.RawMessage(`{`))
	assert.ErrorIs(t, err, errcode.ErrInvalidParameter)
}

func TestRead(t *testing.T) {
	p, pub, _ := newProvider(t, "app/steps")

	// empty table
	result, err := p.Read(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":1}`, string(result))
	v := wait(t, pub.replies)
	assert.Equal(t, errcode.ErrNoData, v.code)

	for i := 0; i < 3; i++ {
		_, err := p.Write(json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`))
		require.NoError(t, err)
	}

	_, err = p.Read(json.RawMessage(`{"limit":2}`))
	require.NoError(t, err)
	v = wait(t, pub.replies)
	require.Equal(t, errcode.ErrNone, v.code)
	assert.Equal(t, `{"limit":2}`, v.option)

	var out struct {
		Records []Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(v.data, &out))
	require.Len(t, out.Records, 2)
	assert.Equal(t, int64(3), out.Records[0].RowID)
	assert.JSONEq(t, `{"n":2}`, string(out.Records[0].Data))
	assert.Equal(t, int64(2), out.Records[1].RowID)

	_, err = p.Read(json.RawMessage(`{"limit":-1}`))
	assert.ErrorIs(t, err, errcode.ErrOutOfRange)
	_, err = p.Read(json.RawMessage(`[`))
	assert.ErrorIs(t, err, errcode.ErrInvalidParameter)
}

func TestSharedDatabase(t *testing.T) {
	shared := db.NewShared(filepath.Join(t.TempDir(), "ctx.db"))

	a, err := New(newPublisher(), shared, "app/a")
	require.NoError(t, err)
	b, err := New(newPublisher(), shared, "app/b")
	require.NoError(t, err)
	assert.Equal(t, 2, shared.RefCount())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, shared.RefCount())

	_, err = a.Subscribe(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errcode.ErrNotStarted)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, shared.RefCount())
}
