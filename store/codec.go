package store

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
	"github.com/pkg/errors"
)

// Object state records:
//
//	I object id
//	V site serials, a sequence of S site + T serial pairs
//	X tombstone flag
//	C create marker, the action byte
//	M map: L semantics, then E entries of K key, T serial, X tombstone
//	  with W tombstoned-at millis, D data
//	N counter, float64

var ErrBadState = errors.New("bad object state record")

func appendData(into []byte, d protocol.ObjectData) ([]byte, error) {
	var payload []byte
	switch d.Kind {
	case protocol.KindString:
		payload = []byte(d.String)
	case protocol.KindBytes:
		payload = d.Bytes
	case protocol.KindNumber:
		payload = protocol.Float64Body(d.Number)
	case protocol.KindBool:
		if d.Bool {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case protocol.KindJSON:
		raw, err := json.Marshal(d.JSON)
		if err != nil {
			return into, errors.Wrap(err, "encode json value")
		}
		payload = raw
	case protocol.KindObjectRef:
		payload = []byte(d.ObjectID)
	}
	return protocol.Append(into, 'D', []byte{byte(d.Kind)}, payload), nil
}

func parseData(body []byte) (d protocol.ObjectData, err error) {
	if len(body) == 0 {
		return d, ErrBadState
	}
	payload := body[1:]
	switch kind := protocol.DataKind(body[0]); kind {
	case protocol.KindString:
		d = protocol.StringData(string(payload))
	case protocol.KindBytes:
		d = protocol.BytesData(slices.Clone(payload))
	case protocol.KindNumber:
		var f float64
		f, err = protocol.ParseFloat64(payload)
		d = protocol.NumberData(f)
	case protocol.KindBool:
		d = protocol.BoolData(len(payload) == 1 && payload[0] == 1)
	case protocol.KindJSON:
		var v any
		err = json.Unmarshal(payload, &v)
		d = protocol.JSONData(v)
	case protocol.KindObjectRef:
		d = protocol.RefData(string(payload))
	case protocol.KindNone:
	default:
		err = ErrBadState
	}
	return
}

func flag(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// EncodeState serializes one object state.
func EncodeState(st *protocol.ObjectState) (ret []byte, err error) {
	ret = protocol.Append(ret, 'I', []byte(st.ObjectID))
	var vv []byte
	for _, site := range st.SiteTimeserials.Sites() {
		vv = protocol.Append(vv, 'S', []byte(site))
		vv = protocol.Append(vv, 'T', []byte(st.SiteTimeserials.Get(site)))
	}
	ret = protocol.Append(ret, 'V', vv)
	if st.Tombstone {
		ret = protocol.Append(ret, 'X', flag(true))
	}
	if st.CreateOp != nil {
		ret = protocol.Append(ret, 'C', []byte{byte(st.CreateOp.Action)})
	}
	if st.Map != nil {
		m := protocol.Append(nil, 'L', []byte{byte(st.Map.Semantics)})
		for _, key := range slices.Sorted(maps.Keys(st.Map.Entries)) {
			e := st.Map.Entries[key]
			rec := protocol.Append(nil, 'K', []byte(key))
			rec = protocol.Append(rec, 'T', []byte(e.Timeserial))
			rec = protocol.Append(rec, 'X', flag(e.Tombstone))
			if e.Tombstone {
				rec = protocol.Append(rec, 'W', protocol.Uint64Body(uint64(e.SerialTimestamp.UnixMilli())))
			}
			if rec, err = appendData(rec, e.Data); err != nil {
				return nil, err
			}
			m = protocol.Append(m, 'E', rec)
		}
		ret = protocol.Append(ret, 'M', m)
	}
	if st.Counter != nil {
		ret = protocol.Append(ret, 'N', protocol.Float64Body(st.Counter.Count))
	}
	return ret, nil
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte) (*protocol.ObjectState, error) {
	st := &protocol.ObjectState{SiteTimeserials: serial.VV{}}
	for len(data) > 0 {
		lit, body, rest, err := protocol.TakeAnyWary(data)
		if err != nil {
			return nil, err
		}
		data = rest
		switch lit {
		case 'I':
			st.ObjectID = string(body)
		case 'V':
			if err := decodeVV(st.SiteTimeserials, body); err != nil {
				return nil, err
			}
		case 'X':
			st.Tombstone = len(body) == 1 && body[0] == 1
		case 'C':
			if len(body) != 1 {
				return nil, ErrBadState
			}
			action := protocol.Action(body[0])
			st.CreateOp = &protocol.ObjectOperation{Action: action, ObjectID: st.ObjectID}
			if action == protocol.MapCreate {
				st.CreateOp.Map = &protocol.ObjectsMap{}
			} else {
				st.CreateOp.Counter = &protocol.ObjectsCounter{}
			}
		case 'M':
			m, err := decodeMap(body)
			if err != nil {
				return nil, err
			}
			st.Map = m
		case 'N':
			count, err := protocol.ParseFloat64(body)
			if err != nil {
				return nil, err
			}
			st.Counter = &protocol.ObjectsCounter{Count: count}
		default:
			return nil, ErrBadState
		}
	}
	if st.ObjectID == "" {
		return nil, ErrBadState
	}
	if st.CreateOp != nil {
		st.CreateOp.ObjectID = st.ObjectID
	}
	return st, nil
}

func decodeVV(vv serial.VV, data []byte) error {
	for len(data) > 0 {
		site, rest, err := protocol.TakeWary('S', data)
		if err != nil {
			return err
		}
		ser, rest, err := protocol.TakeWary('T', rest)
		if err != nil {
			return err
		}
		vv.Put(string(site), string(ser))
		data = rest
	}
	return nil
}

func decodeMap(data []byte) (*protocol.ObjectsMap, error) {
	sem, data, err := protocol.TakeWary('L', data)
	if err != nil || len(sem) != 1 {
		return nil, ErrBadState
	}
	m := &protocol.ObjectsMap{Semantics: protocol.MapSemantics(sem[0]), Entries: map[string]protocol.MapEntry{}}
	for len(data) > 0 {
		rec, rest, err := protocol.TakeWary('E', data)
		if err != nil {
			return nil, err
		}
		data = rest
		var key string
		var e protocol.MapEntry
		for len(rec) > 0 {
			lit, body, more, err := protocol.TakeAnyWary(rec)
			if err != nil {
				return nil, err
			}
			rec = more
			switch lit {
			case 'K':
				key = string(body)
			case 'T':
				e.Timeserial = string(body)
			case 'X':
				e.Tombstone = len(body) == 1 && body[0] == 1
			case 'W':
				ms, err := protocol.ParseUint64(body)
				if err != nil {
					return nil, err
				}
				e.SerialTimestamp = time.UnixMilli(int64(ms))
			case 'D':
				if e.Data, err = parseData(body); err != nil {
					return nil, err
				}
			default:
				return nil, ErrBadState
			}
		}
		m.Entries[key] = e
	}
	return m, nil
}
