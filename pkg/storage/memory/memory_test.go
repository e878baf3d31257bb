package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

func TestRoundTripAndHead(t *testing.T) {
	ctx := context.Background()
	s := New()
	loc := storage.Location{Backend: "mem", Region: "r1", Bucket: "b", Key: "dir/obj"}

	require.NoError(t, s.Put(ctx, loc, bytes.NewReader([]byte("hello")), 5))

	rc, err := s.Get(ctx, loc)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))

	info, err := s.Head(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	list, err := s.List(ctx, "b", "dir/")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, loc))
	_, err = s.Head(ctx, loc)
	assert.ErrorIs(t, err, drerrors.ErrNotFound)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	loc := storage.Location{Bucket: "b", Key: "k"}
	boom := errors.New("boom")

	s.FailPuts(1, boom)
	assert.ErrorIs(t, s.Put(ctx, loc, bytes.NewReader([]byte("x")), 1), boom)
	require.NoError(t, s.Put(ctx, loc, bytes.NewReader([]byte("x")), 1))

	s.Corrupt(loc)
	data, ok := s.Bytes(loc)
	require.True(t, ok)
	assert.NotEqual(t, byte('x'), data[0])
}
