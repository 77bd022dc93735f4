package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// DataKind tags the variant held by ObjectData.
type DataKind byte

const (
	KindNone DataKind = iota
	KindString
	KindBytes
	KindNumber
	KindBool
	KindJSON
	KindObjectRef
)

func (k DataKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindJSON:
		return "json"
	case KindObjectRef:
		return "objectId"
	default:
		return "none"
	}
}

var ErrBadObjectData = errors.New("bad object data")

// ObjectData is the value stored in a map entry: either a primitive
// or a reference to another live object. Only the field matching Kind
// is meaningful.
type ObjectData struct {
	Kind     DataKind
	String   string
	Bytes    []byte
	Number   float64
	Bool     bool
	JSON     any
	ObjectID string
}

func StringData(s string) ObjectData { return ObjectData{Kind: KindString, String: s} }
func BytesData(b []byte) ObjectData { return ObjectData{Kind: KindBytes, Bytes: b} }
func NumberData(n float64) ObjectData { return ObjectData{Kind: KindNumber, Number: n} }
func BoolData(b bool) ObjectData { return ObjectData{Kind: KindBool, Bool: b} }
func JSONData(v any) ObjectData { return ObjectData{Kind: KindJSON, JSON: v} }
func RefData(objectID string) ObjectData { return ObjectData{Kind: KindObjectRef, ObjectID: objectID} }

func (d ObjectData) IsRef() bool {
	return d.Kind == KindObjectRef
}

func (d ObjectData) IsZero() bool {
	return d.Kind == KindNone
}

// Native returns the plain Go value of a primitive, nil for references.
func (d ObjectData) Native() any {
	switch d.Kind {
	case KindString:
		return d.String
	case KindBytes:
		return d.Bytes
	case KindNumber:
		return d.Number
	case KindBool:
		return d.Bool
	case KindJSON:
		return d.JSON
	default:
		return nil
	}
}

func (d ObjectData) Equal(o ObjectData) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindString:
		return d.String == o.String
	case KindBytes:
		return bytes.Equal(d.Bytes, o.Bytes)
	case KindNumber:
		return d.Number == o.Number
	case KindBool:
		return d.Bool == o.Bool
	case KindJSON:
		return reflect.DeepEqual(d.JSON, o.JSON)
	case KindObjectRef:
		return d.ObjectID == o.ObjectID
	}
	return true
}

func (d ObjectData) GoString() string {
	if d.Kind == KindObjectRef {
		return fmt.Sprintf("{objectId:%s}", d.ObjectID)
	}
	return fmt.Sprintf("{%s:%v}", d.Kind, d.Native())
}

type wireData struct {
	ObjectID *string  `json:"objectId,omitempty"`
	String   *string  `json:"string,omitempty"`
	Bytes    *string  `json:"bytes,omitempty"`
	Number   *float64 `json:"number,omitempty"`
	Boolean  *bool    `json:"boolean,omitempty"`
	JSON     *string  `json:"json,omitempty"`
}

// MarshalJSON encodes the variant as a single-field object, bytes as
// base64 and json values as their encoded string.
func (d ObjectData) MarshalJSON() ([]byte, error) {
	var w wireData
	switch d.Kind {
	case KindString:
		w.String = &d.String
	case KindBytes:
		enc := base64.StdEncoding.EncodeToString(d.Bytes)
		w.Bytes = &enc
	case KindNumber:
		if math.IsNaN(d.Number) || math.IsInf(d.Number, 0) {
			return nil, ErrBadObjectData
		}
		w.Number = &d.Number
	case KindBool:
		w.Boolean = &d.Bool
	case KindJSON:
		raw, err := json.Marshal(d.JSON)
		if err != nil {
			return nil, err
		}
		enc := string(raw)
		w.JSON = &enc
	case KindObjectRef:
		w.ObjectID = &d.ObjectID
	}
	return json.Marshal(w)
}

func (d *ObjectData) UnmarshalJSON(raw []byte) error {
	var w wireData
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*d = ObjectData{}
	switch {
	case w.ObjectID != nil:
		*d = RefData(*w.ObjectID)
	case w.String != nil:
		*d = StringData(*w.String)
	case w.Bytes != nil:
		b, err := base64.StdEncoding.DecodeString(*w.Bytes)
		if err != nil {
			return ErrBadObjectData
		}
		*d = BytesData(b)
	case w.Number != nil:
		*d = NumberData(*w.Number)
	case w.Boolean != nil:
		*d = BoolData(*w.Boolean)
	case w.JSON != nil:
		var v any
		if err := json.Unmarshal([]byte(*w.JSON), &v); err != nil {
			return ErrBadObjectData
		}
		*d = JSONData(v)
	}
	return nil
}
