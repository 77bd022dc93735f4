package liveobjects

import (
	"encoding/json"
	"maps"
	"math"
	"slices"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/google/uuid"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

// LiveMapValue is a map to be created by Set. Its values may be
// further LiveMapValue or LiveCounterValue.
type LiveMapValue struct {
	entries map[string]any
}

func NewLiveMap(entries map[string]any) *LiveMapValue {
	return &LiveMapValue{entries: entries}
}

// LiveCounterValue is a counter to be created by Set.
type LiveCounterValue struct {
	count float64
}

func NewLiveCounter[N Number](count N) *LiveCounterValue {
	return &LiveCounterValue{count: float64(count)}
}

func numberData[N Number](n N) (protocol.ObjectData, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return protocol.ObjectData{}, liveobjects_errors.ValidationError("number must be finite, got %v", f)
	}
	return protocol.NumberData(f), nil
}

// encodeValue turns a value passed to Set into entry data. New objects
// come with their create operations, children before parents.
func (o *Objects) encodeValue(v any) (protocol.ObjectData, []*protocol.ObjectMessage, error) {
	var data protocol.ObjectData
	var err error
	switch v := v.(type) {
	case string:
		data = protocol.StringData(v)
	case []byte:
		data = protocol.BytesData(slices.Clone(v))
	case bool:
		data = protocol.BoolData(v)
	case int:
		data, err = numberData(v)
	case int8:
		data, err = numberData(v)
	case int16:
		data, err = numberData(v)
	case int32:
		data, err = numberData(v)
	case int64:
		data, err = numberData(v)
	case uint:
		data, err = numberData(v)
	case uint8:
		data, err = numberData(v)
	case uint16:
		data, err = numberData(v)
	case uint32:
		data, err = numberData(v)
	case uint64:
		data, err = numberData(v)
	case float32:
		data, err = numberData(v)
	case float64:
		data, err = numberData(v)
	case map[string]any, []any:
		data, err = jsonData(v)
	case *LiveMapValue:
		return o.createMap(v)
	case *LiveCounterValue:
		return o.createCounter(v)
	case *Instance:
		if v == nil || v.obj == nil {
			return data, nil, liveobjects_errors.ValidationError("only object instances can be referenced")
		}
		data = protocol.RefData(v.obj.ObjectID())
	case nil:
		return data, nil, liveobjects_errors.ValidationError("value must not be nil")
	default:
		return data, nil, liveobjects_errors.ValidationError("unsupported value type %T", v)
	}
	return data, nil, err
}

// jsonData keeps the value as it reads back after a wire round trip.
func jsonData(v any) (protocol.ObjectData, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return protocol.ObjectData{}, liveobjects_errors.ValidationError("value is not json: %v", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return protocol.ObjectData{}, liveobjects_errors.ValidationError("value is not json: %v", err)
	}
	return protocol.JSONData(norm), nil
}

func (o *Objects) createMap(v *LiveMapValue) (protocol.ObjectData, []*protocol.ObjectMessage, error) {
	var msgs []*protocol.ObjectMessage
	m := &protocol.ObjectsMap{Semantics: protocol.MapSemanticsLWW, Entries: make(map[string]protocol.MapEntry, len(v.entries))}
	for _, key := range slices.Sorted(maps.Keys(v.entries)) {
		data, children, err := o.encodeValue(v.entries[key])
		if err != nil {
			return protocol.ObjectData{}, nil, err
		}
		msgs = append(msgs, children...)
		m.Entries[key] = protocol.MapEntry{Data: data}
	}
	initial, err := protocol.InitialValueMap(m)
	if err != nil {
		return protocol.ObjectData{}, nil, liveobjects_errors.ValidationError("map value: %v", err)
	}
	nonce := uuid.NewString()
	id := protocol.NewObjectID(protocol.TypeMap, initial, nonce, o.now())
	msgs = append(msgs, &protocol.ObjectMessage{Operation: &protocol.ObjectOperation{
		Action:       protocol.MapCreate,
		ObjectID:     id,
		Map:          m,
		Nonce:        nonce,
		InitialValue: initial,
	}})
	return protocol.RefData(id), msgs, nil
}

func (o *Objects) createCounter(v *LiveCounterValue) (protocol.ObjectData, []*protocol.ObjectMessage, error) {
	if _, err := numberData(v.count); err != nil {
		return protocol.ObjectData{}, nil, err
	}
	c := &protocol.ObjectsCounter{Count: v.count}
	initial, err := protocol.InitialValueCounter(c)
	if err != nil {
		return protocol.ObjectData{}, nil, liveobjects_errors.ValidationError("counter value: %v", err)
	}
	nonce := uuid.NewString()
	id := protocol.NewObjectID(protocol.TypeCounter, initial, nonce, o.now())
	msg := &protocol.ObjectMessage{Operation: &protocol.ObjectOperation{
		Action:       protocol.CounterCreate,
		ObjectID:     id,
		Counter:      c,
		Nonce:        nonce,
		InitialValue: initial,
	}}
	return protocol.RefData(id), []*protocol.ObjectMessage{msg}, nil
}

func (o *Objects) setMessages(obj LiveObject, key string, value any) ([]*protocol.ObjectMessage, error) {
	if obj.Type() != protocol.TypeMap {
		return nil, liveobjects_errors.TypeMismatchError("set", "map", string(obj.Type()))
	}
	data, msgs, err := o.encodeValue(value)
	if err != nil {
		return nil, err
	}
	return append(msgs, &protocol.ObjectMessage{Operation: &protocol.ObjectOperation{
		Action:   protocol.MapSet,
		ObjectID: obj.ObjectID(),
		MapOp:    &protocol.MapOp{Key: key, Data: data},
	}}), nil
}

func (o *Objects) removeMessages(obj LiveObject, key string) ([]*protocol.ObjectMessage, error) {
	if obj.Type() != protocol.TypeMap {
		return nil, liveobjects_errors.TypeMismatchError("remove", "map", string(obj.Type()))
	}
	return []*protocol.ObjectMessage{{Operation: &protocol.ObjectOperation{
		Action:   protocol.MapRemove,
		ObjectID: obj.ObjectID(),
		MapOp:    &protocol.MapOp{Key: key},
	}}}, nil
}

func (o *Objects) incrementMessages(obj LiveObject, amount float64) ([]*protocol.ObjectMessage, error) {
	if obj.Type() != protocol.TypeCounter {
		return nil, liveobjects_errors.TypeMismatchError("increment", "counter", string(obj.Type()))
	}
	if _, err := numberData(amount); err != nil {
		return nil, err
	}
	return []*protocol.ObjectMessage{{Operation: &protocol.ObjectOperation{
		Action:    protocol.CounterInc,
		ObjectID:  obj.ObjectID(),
		CounterOp: &protocol.CounterOp{Amount: amount},
	}}}, nil
}
