package natives

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kmora/wisp/internal/value"
)

// sqliteLibrary holds the *sql.DB handles opened by sqlite_open, keyed by
// an opaque uuid handle, mirroring the dynamodb library above. Grounded
// on the teacher's vm.shared.DbHandles registry
// (estevaofon-noxy/internal/vm/vm.go's sqlite_open/sqlite_close/
// sqlite_exec/sqlite_query natives), but returning plain dicts/arrays
// instead of struct-template instances -- this language has no struct
// declarations, only classes, and a native has no business allocating
// one of the caller's classes.
type sqliteLibrary struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
	vm  Registrar
}

// RegisterSQLite installs the sqlite_* natives on vm.
func RegisterSQLite(vm Registrar) {
	lib := &sqliteLibrary{dbs: make(map[string]*sql.DB), vm: vm}

	vm.DefineNative("sqlite_open", 1, lib.open)
	vm.DefineNative("sqlite_close", 1, lib.close)
	vm.DefineNative("sqlite_exec", 2, lib.exec)
	vm.DefineNative("sqlite_query", 2, lib.query)
}

// open opens (creating if necessary) the sqlite database at path and
// returns an opaque handle string.
func (l *sqliteLibrary) open(args []value.Value) (value.Value, error) {
	path, err := stringArg(args, 0, "sqlite_open")
	if err != nil {
		return value.Nil(), err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return value.Nil(), fmt.Errorf("sqlite_open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return value.Nil(), fmt.Errorf("sqlite_open: %w", err)
	}

	handle := uuid.New().String()
	l.mu.Lock()
	l.dbs[handle] = db
	l.mu.Unlock()

	return value.NewObj(l.vm.Intern(handle)), nil
}

func (l *sqliteLibrary) db(handle string) (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	db, ok := l.dbs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown sqlite handle %q", handle)
	}
	return db, nil
}

// close closes and forgets a handle. Closing twice is a no-op, matching
// the teacher's "if found" guard rather than erroring.
func (l *sqliteLibrary) close(args []value.Value) (value.Value, error) {
	handle, err := stringArg(args, 0, "sqlite_close")
	if err != nil {
		return value.Nil(), err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if db, ok := l.dbs[handle]; ok {
		db.Close()
		delete(l.dbs, handle)
	}
	return value.Nil(), nil
}

// exec runs a statement with no result rows: sqlite_exec(handle, sql) ->
// {ok, error, rows_affected, last_insert_id}.
func (l *sqliteLibrary) exec(args []value.Value) (value.Value, error) {
	handle, err := stringArg(args, 0, "sqlite_exec")
	if err != nil {
		return value.Nil(), err
	}
	sqlStr, err := stringArg(args, 1, "sqlite_exec")
	if err != nil {
		return value.Nil(), err
	}

	db, err := l.db(handle)
	if err != nil {
		return l.execResult(false, err.Error(), 0, 0), nil
	}

	result, err := db.Exec(sqlStr)
	if err != nil {
		return l.execResult(false, err.Error(), 0, 0), nil
	}
	rowsAffected, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return l.execResult(true, "", rowsAffected, lastID), nil
}

func (l *sqliteLibrary) execResult(ok bool, errMsg string, rowsAffected, lastID int64) value.Value {
	d := l.vm.NewDict()
	d.Set(value.NewObj(l.vm.Intern("ok")), value.NewBool(ok))
	d.Set(value.NewObj(l.vm.Intern("error")), value.NewObj(l.vm.Intern(errMsg)))
	d.Set(value.NewObj(l.vm.Intern("rows_affected")), value.NewInt(rowsAffected))
	d.Set(value.NewObj(l.vm.Intern("last_insert_id")), value.NewInt(lastID))
	return value.NewObj(d)
}

// query runs a statement expected to return rows: sqlite_query(handle,
// sql) -> {ok, error, columns: array, rows: array of arrays}.
func (l *sqliteLibrary) query(args []value.Value) (value.Value, error) {
	handle, err := stringArg(args, 0, "sqlite_query")
	if err != nil {
		return value.Nil(), err
	}
	sqlStr, err := stringArg(args, 1, "sqlite_query")
	if err != nil {
		return value.Nil(), err
	}

	db, err := l.db(handle)
	if err != nil {
		return l.queryResult(false, err.Error(), nil, nil), nil
	}

	rows, err := db.Query(sqlStr)
	if err != nil {
		return l.queryResult(false, err.Error(), nil, nil), nil
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return l.queryResult(false, err.Error(), nil, nil), nil
	}

	var rowValues []value.Value
	for rows.Next() {
		dest := make([]interface{}, len(cols))
		destPtrs := make([]interface{}, len(cols))
		for i := range dest {
			destPtrs[i] = &dest[i]
		}
		if err := rows.Scan(destPtrs...); err != nil {
			return l.queryResult(false, err.Error(), nil, nil), nil
		}

		rowElems := make([]value.Value, len(dest))
		for i, v := range dest {
			switch tv := v.(type) {
			case nil:
				rowElems[i] = value.Nil()
			case int64:
				rowElems[i] = value.NewInt(tv)
			case string:
				rowElems[i] = value.NewObj(l.vm.Intern(tv))
			case []byte:
				rowElems[i] = value.NewObj(l.vm.Intern(string(tv)))
			default:
				rowElems[i] = value.NewObj(l.vm.Intern(fmt.Sprintf("%v", tv)))
			}
		}
		rowValues = append(rowValues, value.NewObj(l.vm.NewArray(rowElems)))
	}

	colValues := make([]value.Value, len(cols))
	for i, c := range cols {
		colValues[i] = value.NewObj(l.vm.Intern(c))
	}

	return l.queryResult(true, "", colValues, rowValues), nil
}

func (l *sqliteLibrary) queryResult(ok bool, errMsg string, cols, rows []value.Value) value.Value {
	d := l.vm.NewDict()
	d.Set(value.NewObj(l.vm.Intern("ok")), value.NewBool(ok))
	d.Set(value.NewObj(l.vm.Intern("error")), value.NewObj(l.vm.Intern(errMsg)))
	d.Set(value.NewObj(l.vm.Intern("columns")), value.NewObj(l.vm.NewArray(cols)))
	d.Set(value.NewObj(l.vm.Intern("rows")), value.NewObj(l.vm.NewArray(rows)))
	return value.NewObj(d)
}

func stringArg(args []value.Value, i int, who string) (string, error) {
	if i >= len(args) || args[i].Type != value.OBJ {
		return "", fmt.Errorf("%s: expected a string argument", who)
	}
	s, ok := args[i].Obj.(*value.ObjString)
	if !ok {
		return "", fmt.Errorf("%s: expected a string argument", who)
	}
	return s.Chars, nil
}
