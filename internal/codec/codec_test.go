package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec_Compact(t *testing.T) {
	c := JSONCodec{}
	b, err := c.Marshal(map[string]any{"a": 1, "b": []byte("x")})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":"eA=="}`, string(b))

	var out struct {
		A int    `json:"a"`
		B []byte `json:"b"`
	}
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, 1, out.A)
	require.Equal(t, []byte("x"), out.B)
	require.Equal(t, "json", c.Name())
}
