package liveobjects_errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorInfo_IsByCode(t *testing.T) {
	err := MaxMessageSizeError(70000, 65536)
	assert.ErrorIs(t, err, ErrMaxMessageSize)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "70000")

	wrapped := Wrap(err, "publish")
	assert.ErrorIs(t, wrapped, ErrMaxMessageSize)

	var info *ErrorInfo
	assert.True(t, errors.As(wrapped, &info))
	assert.Equal(t, CodeMaxMessageSize, info.Code)
	assert.Equal(t, 400, info.StatusCode)
}

func TestErrorInfo_Cause(t *testing.T) {
	err := InvalidObjectIDError("list:x@1", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrInvalidObjectID)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "list:x@1")
}

func TestErrorInfo_Codes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{MissingModeError("object_publish"), 40024},
		{ChannelStateError("detached"), 90001},
		{PathNotResolvedError("a.b"), 92005},
		{TypeMismatchError("increment", "counter", "map"), 92007},
		{ValidationError("bad %s", "value"), 40003},
		{ErrSyncCancelled, 92008},
		{ErrBatchClosed, 40000},
	}
	for _, c := range cases {
		var info *ErrorInfo
		if assert.True(t, errors.As(c.err, &info)) {
			assert.Equal(t, c.code, info.Code, c.err.Error())
		}
	}
}
