package tap

import (
	"context"
	"testing"

	"github.com/monzo/terrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestRequestEncodeDecode(t *testing.T) {
	t.Parallel()
	req := NewRequest(context.Background(), "POST", "/", map[string]string{"a": "b"})
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.True(t, req.ContentLength > 0)

	out := map[string]string{}
	require.NoError(t, req.Decode(&out))
	assert.Equal(t, map[string]string{"a": "b"}, out)
}

func TestRequestEncodeProtobuf(t *testing.T) {
	t.Parallel()
	req := NewRequest(nil, "POST", "/", nil)
	req.EncodeAsProtobuf(wrapperspb.String("boop"))
	assert.Equal(t, "application/protobuf", req.Header.Get("Content-Type"))

	out := &wrapperspb.StringValue{}
	require.NoError(t, req.Decode(out))
	assert.Equal(t, "boop", out.GetValue())
}

func TestRequestDecodeBadBody(t *testing.T) {
	t.Parallel()
	req := NewRequest(nil, "POST", "/", nil)
	req.Write([]byte("{"))
	err := req.Decode(&map[string]string{})
	require.Error(t, err)
	assert.True(t, terrors.PrefixMatches(err, terrors.ErrBadRequest))
}

func TestNewRequestInvalidURL(t *testing.T) {
	t.Parallel()
	req := NewRequest(nil, "GET", "://nope", nil)
	require.Error(t, req.err)

	called := false
	rsp := Service(func(req Request) Response {
		called = true
		return req.Response(nil)
	}).Filter(ErrorFilter)(req)
	assert.False(t, called)
	assert.Error(t, rsp.Error)
}

func TestRequestBodyBytes(t *testing.T) {
	t.Parallel()
	req := NewRequest(nil, "POST", "/", nil)
	req.Write([]byte("abc"))

	b, err := req.BodyBytes(false)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	b, err = req.BodyBytes(true)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}

func TestRequestString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Request(Unknown)", Request{}.String())
	req := NewRequest(nil, "GET", "http://example.com/foo", nil)
	assert.Equal(t, "Request(GET http://example.com/foo)", req.String())
}
