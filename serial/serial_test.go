package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerial_MakeParse(t *testing.T) {
	s := Make(1726585978590, 7, "aaa", 2)
	assert.Equal(t, "01726585978590-007@aaa:002", s)

	parsed, err := Parse(s)
	assert.NoError(t, err)
	assert.Equal(t, int64(1726585978590), parsed.Timestamp)
	assert.Equal(t, uint64(7), parsed.Counter)
	assert.Equal(t, "aaa", parsed.Site)
	assert.Equal(t, 2, parsed.Index)
	assert.Equal(t, s, parsed.String())

	noidx := Make(5, 0, "b", -1)
	assert.Equal(t, "00000000000005-000@b", noidx)
	parsed, err = Parse(noidx)
	assert.NoError(t, err)
	assert.Equal(t, -1, parsed.Index)
}

func TestSerial_ParseBad(t *testing.T) {
	for _, bad := range []string{"", "abc", "@site", "1@", "x-1@a", "1-y@a", "1-1@a:z"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrBadSerial, bad)
	}
}

func TestSerial_OrderMatchesCreation(t *testing.T) {
	a := Make(999, 5, "s", -1)
	b := Make(1000, 0, "s", -1)
	c := Make(1000, 12, "s", -1)
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, -1, Compare(b, c))
	assert.Equal(t, 0, Compare(c, c))
	assert.True(t, Later(c, a))
	assert.False(t, Later(a, a))
	assert.Equal(t, -1, Compare("", a))
}
