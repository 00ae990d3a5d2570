// Package natives is the concrete native-function library cmd/wisp
// registers with a fresh VM: a clock tick, an opaque id generator, and a
// small DynamoDB-backed key/value library. It is the in-process
// equivalent of the teacher's cmd/noxy-plugin-dynamodb, called directly
// as value.NativeFn instead of over a JSON-RPC pipe to a subprocess.
package natives

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/kmora/wisp/internal/value"
)

// Registrar is the subset of *vm.VM natives need: a place to register
// callables and a place to intern/allocate the Values they return. Kept
// as an interface (rather than importing package vm) so natives has no
// hard dependency on the VM's internals.
type Registrar interface {
	DefineNative(name string, arity int, fn value.NativeFn)
	Intern(s string) *value.ObjString
	NewDict() *value.ObjDict
	NewArray(elements []value.Value) *value.ObjArray
}

// library holds the DynamoDB clients opened by db_connect, keyed by the
// opaque uuid handed back to the interpreted program. A program never
// sees a *dynamodb.Client directly -- only the string handle -- mirroring
// the teacher's plugin client registry.
type library struct {
	mu      sync.Mutex
	clients map[string]*dynamodb.Client
	vm      Registrar
}

// Register installs clock, uuid, and the db_* natives on vm.
func Register(vm Registrar) {
	lib := &library{clients: make(map[string]*dynamodb.Client), vm: vm}

	vm.DefineNative("clock", 0, nativeClock)
	vm.DefineNative("uuid", 0, nativeUUID(vm))
	vm.DefineNative("db_connect", -1, lib.connect)
	vm.DefineNative("db_put", 3, lib.put)
	vm.DefineNative("db_get", 3, lib.get(vm))
	vm.DefineNative("db_delete", 3, lib.delete)
	vm.DefineNative("db_scan", 2, lib.scan(vm))

	RegisterSQLite(vm)
}

var tick int64

func nativeClock(args []value.Value) (value.Value, error) {
	tick++
	return value.NewInt(tick), nil
}

func nativeUUID(vm Registrar) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		return value.NewObj(vm.Intern(uuid.New().String())), nil
	}
}

// connect opens a DynamoDB client for an optional {"region": "..."}
// options dict and returns an opaque client-handle string.
func (l *library) connect(args []value.Value) (value.Value, error) {
	region := "us-east-1"
	if len(args) > 0 && args[0].Type == value.OBJ {
		if d, ok := args[0].Obj.(*value.ObjDict); ok {
			if r, ok := d.Get(value.NewObj(l.vm.Intern("region"))); ok && r.Type == value.OBJ {
				if s, ok := r.Obj.(*value.ObjString); ok {
					region = s.Chars
				}
			}
		}
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return value.Nil(), fmt.Errorf("db_connect: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg)
	handle := uuid.New().String()

	l.mu.Lock()
	l.clients[handle] = client
	l.mu.Unlock()

	return value.NewObj(l.vm.Intern(handle)), nil
}

func (l *library) client(handle string) (*dynamodb.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[handle]
	if !ok {
		return nil, fmt.Errorf("unknown db client %q", handle)
	}
	return c, nil
}

// put writes a dict as an item: db_put(client, table, item).
func (l *library) put(args []value.Value) (value.Value, error) {
	handle, table, item, err := clientTableDict(args)
	if err != nil {
		return value.Nil(), err
	}
	client, err := l.client(handle)
	if err != nil {
		return value.Nil(), err
	}

	native, err := toGo(item)
	if err != nil {
		return value.Nil(), fmt.Errorf("db_put: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return value.Nil(), fmt.Errorf("db_put: item must be a dict")
	}
	av, err := attributevalue.MarshalMap(m)
	if err != nil {
		return value.Nil(), fmt.Errorf("db_put: %w", err)
	}

	_, err = client.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return value.Nil(), fmt.Errorf("db_put: %w", err)
	}
	return value.NewBool(true), nil
}

// get reads an item by key: db_get(client, table, key) -> dict or nil.
func (l *library) get(vm Registrar) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		handle, table, key, err := clientTableDict(args)
		if err != nil {
			return value.Nil(), err
		}
		client, err := l.client(handle)
		if err != nil {
			return value.Nil(), err
		}

		native, err := toGo(key)
		if err != nil {
			return value.Nil(), fmt.Errorf("db_get: %w", err)
		}
		m, ok := native.(map[string]interface{})
		if !ok {
			return value.Nil(), fmt.Errorf("db_get: key must be a dict")
		}
		avKey, err := attributevalue.MarshalMap(m)
		if err != nil {
			return value.Nil(), fmt.Errorf("db_get: %w", err)
		}

		out, err := client.GetItem(context.Background(), &dynamodb.GetItemInput{
			TableName: aws.String(table),
			Key:       avKey,
		})
		if err != nil {
			return value.Nil(), fmt.Errorf("db_get: %w", err)
		}
		if out.Item == nil {
			return value.Nil(), nil
		}

		var resMap map[string]interface{}
		if err := attributevalue.UnmarshalMap(out.Item, &resMap); err != nil {
			return value.Nil(), fmt.Errorf("db_get: %w", err)
		}
		return fromGo(vm, resMap), nil
	}
}

// delete removes an item by key: db_delete(client, table, key).
func (l *library) delete(args []value.Value) (value.Value, error) {
	handle, table, key, err := clientTableDict(args)
	if err != nil {
		return value.Nil(), err
	}
	client, err := l.client(handle)
	if err != nil {
		return value.Nil(), err
	}

	native, err := toGo(key)
	if err != nil {
		return value.Nil(), fmt.Errorf("db_delete: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return value.Nil(), fmt.Errorf("db_delete: key must be a dict")
	}
	avKey, err := attributevalue.MarshalMap(m)
	if err != nil {
		return value.Nil(), fmt.Errorf("db_delete: %w", err)
	}

	_, err = client.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       avKey,
	})
	if err != nil {
		return value.Nil(), fmt.Errorf("db_delete: %w", err)
	}
	return value.NewBool(true), nil
}

// scan reads every item in a table: db_scan(client, table) -> array of dicts.
func (l *library) scan(vm Registrar) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		if len(args) != 2 {
			return value.Nil(), fmt.Errorf("expected (client, table) arguments")
		}
		hs, ok := args[0].Obj.(*value.ObjString)
		if args[0].Type != value.OBJ || !ok {
			return value.Nil(), fmt.Errorf("client must be a string handle")
		}
		ts, ok := args[1].Obj.(*value.ObjString)
		if args[1].Type != value.OBJ || !ok {
			return value.Nil(), fmt.Errorf("table must be a string")
		}

		client, err := l.client(hs.Chars)
		if err != nil {
			return value.Nil(), err
		}

		out, err := client.Scan(context.Background(), &dynamodb.ScanInput{
			TableName: aws.String(ts.Chars),
		})
		if err != nil {
			return value.Nil(), fmt.Errorf("db_scan: %w", err)
		}

		var items []map[string]interface{}
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return value.Nil(), fmt.Errorf("db_scan: %w", err)
		}

		elems := make([]value.Value, len(items))
		for i, item := range items {
			elems[i] = fromGo(vm, item)
		}
		return value.NewObj(vm.NewArray(elems)), nil
	}
}

func clientTableDict(args []value.Value) (handle, table string, dict *value.ObjDict, err error) {
	if len(args) != 3 {
		return "", "", nil, fmt.Errorf("expected (client, table, dict) arguments")
	}
	hs, ok := args[0].Obj.(*value.ObjString)
	if args[0].Type != value.OBJ || !ok {
		return "", "", nil, fmt.Errorf("client must be a string handle")
	}
	ts, ok := args[1].Obj.(*value.ObjString)
	if args[1].Type != value.OBJ || !ok {
		return "", "", nil, fmt.Errorf("table must be a string")
	}
	d, ok := args[2].Obj.(*value.ObjDict)
	if args[2].Type != value.OBJ || !ok {
		return "", "", nil, fmt.Errorf("expected a dict argument")
	}
	return hs.Chars, ts.Chars, d, nil
}

// toGo converts a Value into a plain Go value attributevalue can marshal:
// nil, bool, int64, string, []interface{}, or map[string]interface{}.
// Dict keys that aren't strings are rejected -- DynamoDB items are always
// string-keyed.
func toGo(v value.Value) (interface{}, error) {
	switch v.Type {
	case value.NIL:
		return nil, nil
	case value.BOOL:
		return v.Bool, nil
	case value.INT:
		return v.Int, nil
	case value.OBJ:
		switch o := v.Obj.(type) {
		case *value.ObjString:
			return o.Chars, nil
		case *value.ObjArray:
			out := make([]interface{}, len(o.Elements))
			for i, e := range o.Elements {
				conv, err := toGo(e)
				if err != nil {
					return nil, err
				}
				out[i] = conv
			}
			return out, nil
		case *value.ObjDict:
			out := make(map[string]interface{}, o.Len())
			var convErr error
			o.Each(func(k, val value.Value) {
				if convErr != nil {
					return
				}
				ks, ok := k.Obj.(*value.ObjString)
				if k.Type != value.OBJ || !ok {
					convErr = fmt.Errorf("dict keys must be strings, got %s", k.TypeName())
					return
				}
				conv, err := toGo(val)
				if err != nil {
					convErr = err
					return
				}
				out[ks.Chars] = conv
			})
			if convErr != nil {
				return nil, convErr
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot convert %s to a DynamoDB value", v.TypeName())
		}
	default:
		return nil, fmt.Errorf("cannot convert %s to a DynamoDB value", v.TypeName())
	}
}

// fromGo converts the result of attributevalue.UnmarshalMap back into a
// Value tree of dicts/arrays/primitives.
func fromGo(vm Registrar, v interface{}) value.Value {
	switch x := v.(type) {
	case nil:
		return value.Nil()
	case bool:
		return value.NewBool(x)
	case int64:
		return value.NewInt(x)
	case float64:
		return value.NewInt(int64(x))
	case string:
		return value.NewObj(vm.Intern(x))
	case []interface{}:
		elems := make([]value.Value, len(x))
		for i, e := range x {
			elems[i] = fromGo(vm, e)
		}
		return value.NewObj(vm.NewArray(elems))
	case map[string]interface{}:
		d := vm.NewDict()
		for k, e := range x {
			d.Set(value.NewObj(vm.Intern(k)), fromGo(vm, e))
		}
		return value.NewObj(d)
	default:
		return value.Nil()
	}
}
