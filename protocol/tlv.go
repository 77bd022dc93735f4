// Record format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol holds the object messages exchanged with the channel
and a compact TLV (type-length-value) record codec used to persist them.

# TLV records

A record is a letter A..Z, a length and a body. Three header forms exist:

 1. Tiny, 1 byte: ['0'+len] for bodies of 0..9 bytes, requested by a
    lowercase letter; the letter itself is not kept.
 2. Short, 2 bytes: [lowercase letter, len] for bodies up to 255 bytes.
 3. Long, 5 bytes: [uppercase letter, len as 4 byte little endian].

Take/TakeAny trust their input and signal errors with nil; the Wary
variants return ErrIncomplete or ErrBadRecord instead.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader returns the record letter ('0' for tiny, '-' for garbage,
// 0 for not enough data), the header length and the body length.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9':
		return '0', 1, int(dlit - '0')
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	}
	return '-', 0, 0
}

// AppendHeader picks the shortest header form for the body length.
// A lowercase lit allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	return append(into, biglit|CaseBit, byte(bodylen))
}

func totalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Append a complete record to the buffer.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record makes a complete record.
func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, totalLen(body)+5), lit, body...)
}

// TinyRecord is Record with the tiny form allowed.
func TinyRecord(lit byte, body []byte) []byte {
	return Record((lit&^CaseBit)|CaseBit, body)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, totalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

func Take(lit byte, data []byte) (body, rest []byte) {
	body, rest, _ = TakeWary(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAny takes the next record whatever its letter is.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	lit, body, rest, _ = TakeAnyWary(data)
	return
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	lit, _, _ = ProbeHeader(data)
	switch lit {
	case 0:
		return 0, nil, data, ErrIncomplete
	case '-':
		return '-', nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(lit, data)
	return
}

// Float64 and Uint64 bodies are 8 bytes big endian.

func Float64Body(f float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(f))
}

func ParseFloat64(body []byte) (float64, error) {
	if len(body) != 8 {
		return 0, ErrBadRecord
	}
	return math.Float64frombits(binary.BigEndian.Uint64(body)), nil
}

func Uint64Body(u uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, u)
}

func ParseUint64(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, ErrBadRecord
	}
	return binary.BigEndian.Uint64(body), nil
}
