package serial

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/*
	A serial is an opaque causality token assigned by a site when it
	accepts an operation. The textual form is

		timestamp-counter@site[:index]

	with a zero-padded millisecond timestamp and a zero-padded counter,
	so that, within one site, plain string order equals creation order.
	Serials from different sites are compared as strings too, but only
	the site-timeserials vector says anything about causality.
*/

const (
	timestampWidth = 14
	counterWidth   = 3
)

var ErrBadSerial = errors.New("bad serial")

// Serial is the parsed form of a serial string.
type Serial struct {
	Timestamp int64
	Counter   uint64
	Site      string
	Index     int // -1 for none
}

// Compare orders two serials by plain string comparison.
// The empty serial sorts before any other.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Later reports whether a was created after b.
func Later(a, b string) bool {
	return a > b
}

// Make renders a serial. Pass index < 0 to omit the message index.
func Make(timestamp int64, counter uint64, site string, index int) string {
	var buf [64]byte
	b := buf[:0]
	b = appendPadded(b, uint64(timestamp), timestampWidth)
	b = append(b, '-')
	b = appendPadded(b, counter, counterWidth)
	b = append(b, '@')
	b = append(b, site...)
	if index >= 0 {
		b = append(b, ':')
		b = appendPadded(b, uint64(index), counterWidth)
	}
	return string(b)
}

func appendPadded(b []byte, v uint64, width int) []byte {
	var num [20]byte
	digits := strconv.AppendUint(num[:0], v, 10)
	for i := len(digits); i < width; i++ {
		b = append(b, '0')
	}
	return append(b, digits...)
}

// Parse splits a serial string into its parts.
func Parse(s string) (ser Serial, err error) {
	ser.Index = -1
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
	}
	clock, site := s[:at], s[at+1:]
	dash := strings.IndexByte(clock, '-')
	if dash <= 0 {
		return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
	}
	if ser.Timestamp, err = strconv.ParseInt(clock[:dash], 10, 64); err != nil {
		return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
	}
	if ser.Counter, err = strconv.ParseUint(clock[dash+1:], 10, 64); err != nil {
		return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
	}
	if colon := strings.LastIndexByte(site, ':'); colon >= 0 {
		if ser.Index, err = strconv.Atoi(site[colon+1:]); err != nil {
			return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
		}
		site = site[:colon]
	}
	if len(site) == 0 {
		return ser, fmt.Errorf("%w: %q", ErrBadSerial, s)
	}
	ser.Site = site
	return ser, nil
}

func (s Serial) String() string {
	return Make(s.Timestamp, s.Counter, s.Site, s.Index)
}
