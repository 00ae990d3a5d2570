package natives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmora/wisp/internal/gc"
	"github.com/kmora/wisp/internal/value"
)

// gcRegistrar adapts a bare *gc.Collector to the Registrar interface for
// tests that don't need a whole VM.
type gcRegistrar struct {
	coll     *gc.Collector
	natives  map[string]value.NativeFn
	arities  map[string]int
}

func newGCRegistrar() *gcRegistrar {
	return &gcRegistrar{coll: gc.New(), natives: map[string]value.NativeFn{}, arities: map[string]int{}}
}

func (r *gcRegistrar) DefineNative(name string, arity int, fn value.NativeFn) {
	r.natives[name] = fn
	r.arities[name] = arity
}
func (r *gcRegistrar) Intern(s string) *value.ObjString            { return r.coll.Intern(s) }
func (r *gcRegistrar) NewDict() *value.ObjDict                     { return r.coll.NewDict() }
func (r *gcRegistrar) NewArray(e []value.Value) *value.ObjArray    { return r.coll.NewArray(e) }

func TestClockIncrementsEachCall(t *testing.T) {
	first, err := nativeClock(nil)
	require.NoError(t, err)
	second, err := nativeClock(nil)
	require.NoError(t, err)
	assert.Greater(t, second.Int, first.Int)
}

func TestUUIDNativeReturnsInternedDistinctStrings(t *testing.T) {
	r := newGCRegistrar()
	fn := nativeUUID(r)
	a, err := fn(nil)
	require.NoError(t, err)
	b, err := fn(nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Obj.(*value.ObjString).Chars, b.Obj.(*value.ObjString).Chars)
}

func TestToGoFromGoRoundTrip(t *testing.T) {
	r := newGCRegistrar()
	d := r.NewDict()
	d.Set(value.NewObj(r.Intern("name")), value.NewObj(r.Intern("ada")))
	d.Set(value.NewObj(r.Intern("age")), value.NewInt(36))

	native, err := toGo(value.NewObj(d))
	require.NoError(t, err)
	m, ok := native.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ada", m["name"])
	assert.Equal(t, int64(36), m["age"])

	back := fromGo(r, m)
	require.Equal(t, value.OBJ, back.Type)
	backDict, ok := back.Obj.(*value.ObjDict)
	require.True(t, ok)
	v, ok := backDict.Get(value.NewObj(r.Intern("name")))
	require.True(t, ok)
	assert.Equal(t, "ada", v.Obj.(*value.ObjString).Chars)
}

func TestToGoRejectsNonStringDictKeys(t *testing.T) {
	r := newGCRegistrar()
	d := r.NewDict()
	d.Set(value.NewInt(1), value.NewInt(2))
	_, err := toGo(value.NewObj(d))
	assert.Error(t, err)
}

func TestRegisterSQLiteDefinesExpectedNatives(t *testing.T) {
	r := newGCRegistrar()
	RegisterSQLite(r)
	for _, name := range []string{"sqlite_open", "sqlite_close", "sqlite_exec", "sqlite_query"} {
		_, ok := r.natives[name]
		assert.True(t, ok, "expected %s to be registered", name)
	}
}

func dictField(t *testing.T, r *gcRegistrar, d value.Value, key string) value.Value {
	t.Helper()
	v, ok := d.Obj.(*value.ObjDict).Get(value.NewObj(r.Intern(key)))
	require.True(t, ok, "missing dict field %q", key)
	return v
}

func TestSQLiteExecAndQueryRoundTrip(t *testing.T) {
	r := newGCRegistrar()
	RegisterSQLite(r)

	open := r.natives["sqlite_open"]
	handle, err := open([]value.Value{value.NewObj(r.Intern(":memory:"))})
	require.NoError(t, err)
	h := handle.Obj.(*value.ObjString)

	exec := r.natives["sqlite_exec"]
	created, err := exec([]value.Value{value.NewObj(h), value.NewObj(r.Intern("create table t (n integer)"))})
	require.NoError(t, err)
	assert.True(t, dictField(t, r, created, "ok").Bool)

	inserted, err := exec([]value.Value{value.NewObj(h), value.NewObj(r.Intern("insert into t values (42)"))})
	require.NoError(t, err)
	assert.True(t, dictField(t, r, inserted, "ok").Bool)

	query := r.natives["sqlite_query"]
	queried, err := query([]value.Value{value.NewObj(h), value.NewObj(r.Intern("select n from t"))})
	require.NoError(t, err)
	assert.True(t, dictField(t, r, queried, "ok").Bool)
	rows := dictField(t, r, queried, "rows").Obj.(*value.ObjArray)
	require.Len(t, rows.Elements, 1)
	firstRow := rows.Elements[0].Obj.(*value.ObjArray)
	assert.Equal(t, int64(42), firstRow.Elements[0].Int)

	close := r.natives["sqlite_close"]
	_, err = close([]value.Value{value.NewObj(h)})
	require.NoError(t, err)
}
