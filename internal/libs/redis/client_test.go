package rediscli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_NamesTheConnection(t *testing.T) {
	mr := miniredis.RunT(t)

	// miniredis has no CONFIG command, which must not fail the connect.
	client, err := NewClient(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	name, err := client.ClientGetName(context.Background()).Result()
	require.NoError(t, err)
	assert.Equal(t, DefaultClientName, name)
}

func TestNewClient_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(Config{Addr: addr})
	assert.Error(t, err)
}

func TestEvictsTasks(t *testing.T) {
	tests := []struct {
		policy string
		want   bool
	}{
		{policy: "noeviction", want: false},
		{policy: "volatile-lru", want: false},
		{policy: "volatile-ttl", want: false},
		{policy: "allkeys-lru", want: true},
		{policy: "allkeys-random", want: true},
		{policy: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			assert.Equal(t, tt.want, evictsTasks(tt.policy))
		})
	}
}
