package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RootObjectID is the well-known id of the root map.
const RootObjectID = "root"

// ObjectType is the type prefix of an object id.
type ObjectType string

const (
	TypeMap     ObjectType = "map"
	TypeCounter ObjectType = "counter"
)

var ErrBadObjectID = errors.New("bad object id")

// ObjectID is the parsed form of "type:hash@msTimestamp".
type ObjectID struct {
	Type        ObjectType
	Hash        string
	MsTimestamp int64
}

func (id ObjectID) String() string {
	return string(id.Type) + ":" + id.Hash + "@" + strconv.FormatInt(id.MsTimestamp, 10)
}

// NewObjectID derives the id of an object from its create payload:
// the hash is base64url(sha256(initialValue + ":" + nonce)).
func NewObjectID(typ ObjectType, initialValue []byte, nonce string, ts time.Time) string {
	h := sha256.New()
	h.Write(initialValue)
	h.Write([]byte{':'})
	h.Write([]byte(nonce))
	hash := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return ObjectID{Type: typ, Hash: hash, MsTimestamp: ts.UnixMilli()}.String()
}

func ParseObjectID(s string) (id ObjectID, err error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok {
		return id, fmt.Errorf("%w: %q", ErrBadObjectID, s)
	}
	switch ObjectType(typ) {
	case TypeMap, TypeCounter:
	default:
		return id, fmt.Errorf("%w: unknown type in %q", ErrBadObjectID, s)
	}
	at := strings.LastIndexByte(rest, '@')
	if at <= 0 {
		return id, fmt.Errorf("%w: %q", ErrBadObjectID, s)
	}
	ms, err := strconv.ParseInt(rest[at+1:], 10, 64)
	if err != nil {
		return id, fmt.Errorf("%w: %q", ErrBadObjectID, s)
	}
	return ObjectID{Type: ObjectType(typ), Hash: rest[:at], MsTimestamp: ms}, nil
}

// TypeOf returns the object type encoded in an id; the root id is a map.
func TypeOf(objectID string) (ObjectType, error) {
	if objectID == RootObjectID {
		return TypeMap, nil
	}
	id, err := ParseObjectID(objectID)
	if err != nil {
		return "", err
	}
	return id.Type, nil
}

type initialMap struct {
	Map *ObjectsMap `json:"map"`
}

type initialCounter struct {
	Counter *ObjectsCounter `json:"counter"`
}

// InitialValueMap encodes the create payload of a map.
func InitialValueMap(m *ObjectsMap) ([]byte, error) {
	return json.Marshal(initialMap{Map: m})
}

// InitialValueCounter encodes the create payload of a counter.
func InitialValueCounter(c *ObjectsCounter) ([]byte, error) {
	return json.Marshal(initialCounter{Counter: c})
}
