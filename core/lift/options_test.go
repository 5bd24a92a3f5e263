package lift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvAddresses, " a:1, b:2 ,,")
	t.Setenv(EnvConnectTimeout, "750ms")
	t.Setenv(EnvAckWait, "2s")

	opts, err := OptionsFromEnv(ClientOptions{Addresses: []string{"x:9"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2"}, opts.Addresses)
	require.Equal(t, 750*time.Millisecond, opts.ConnectTimeout)
	require.Equal(t, 2*time.Second, opts.AckWaitTime)
}

func TestOptionsFromEnv_KeepsBase(t *testing.T) {
	t.Setenv(EnvAddresses, "")
	opts, err := OptionsFromEnv(ClientOptions{Addresses: []string{"x:9"}, AckWaitTime: time.Second})
	require.NoError(t, err)
	require.Equal(t, []string{"x:9"}, opts.Addresses)
	require.Equal(t, time.Second, opts.AckWaitTime)
}

func TestOptionsFromEnv_Invalid(t *testing.T) {
	t.Setenv(EnvAckWait, "soon")
	_, err := OptionsFromEnv(ClientOptions{})
	require.Error(t, err)
}
