package db

import "github.com/ValentinKolb/ctxd/lib/errcode"

// Row is one result row, column name to value. Values are string or int64.
type Row map[string]any

// Record is a row to insert, column name to value
type Record map[string]any

// Listener receives the completion of asynchronous queries. Exactly one method
// is called once per accepted query, on the goroutine of the Dispatcher.
type Listener interface {
	OnTableCreated(queryID uint32, code errcode.Code)
	OnInserted(queryID uint32, code errcode.Code, rowID int64)
	OnExecuted(queryID uint32, code errcode.Code, rows []Row)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are ignored.
type ListenerFuncs struct {
	TableCreated func(queryID uint32, code errcode.Code)
	Inserted     func(queryID uint32, code errcode.Code, rowID int64)
	Executed     func(queryID uint32, code errcode.Code, rows []Row)
}

func (f ListenerFuncs) OnTableCreated(queryID uint32, code errcode.Code) {
	if f.TableCreated != nil {
		f.TableCreated(queryID, code)
	}
}

func (f ListenerFuncs) OnInserted(queryID uint32, code errcode.Code, rowID int64) {
	if f.Inserted != nil {
		f.Inserted(queryID, code, rowID)
	}
}

func (f ListenerFuncs) OnExecuted(queryID uint32, code errcode.Code, rows []Row) {
	if f.Executed != nil {
		f.Executed(queryID, code, rows)
	}
}

// Dispatcher runs completion callbacks on some other execution context.
// loop.Loop implements it.
type Dispatcher interface {
	Dispatch(fn func()) bool
}
