package hrw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPick_Stable(t *testing.T) {
	first, ok := Pick("client-a", []string{"b1", "b2", "b3"})
	require.True(t, ok)
	for range 10 {
		got, _ := Pick("client-a", []string{"b3", "b1", "b2"})
		require.Equal(t, first, got)
	}
}

func TestPick_Empty(t *testing.T) {
	_, ok := Pick("k", nil)
	require.False(t, ok)
}

func TestPick_SpreadsKeys(t *testing.T) {
	nodes := []string{"b1", "b2", "b3"}
	seen := make(map[string]int)
	for i := range 300 {
		n, ok := Pick(fmt.Sprintf("client-%d", i), nodes)
		require.True(t, ok)
		seen[n]++
	}
	require.Len(t, seen, 3)
}

func TestPick_RemovingOtherNodeKeepsChoice(t *testing.T) {
	nodes := []string{"b1", "b2", "b3", "b4"}
	for i := range 50 {
		key := fmt.Sprintf("client-%d", i)
		first, _ := Pick(key, nodes)
		var rest []string
		for _, n := range nodes {
			if n != first {
				rest = append(rest, n)
				break
			}
		}
		rest = append(rest, first)
		got, _ := Pick(key, rest)
		require.Equal(t, first, got)
	}
}
