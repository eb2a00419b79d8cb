package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := New("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, mr.Addr(), c.Address())
	require.NoError(t, c.Ping(context.Background()))

	require.NoError(t, c.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("http://localhost:6379")
	assert.Error(t, err)
}

func TestPing_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	mr.Close()

	assert.Error(t, c.Ping(context.Background()))
}
