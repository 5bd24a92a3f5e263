// Package hrw implements rendezvous (highest random weight) hashing. It is
// used to spread ISR reads for a partition across replicas while keeping
// the choice stable for a given client.
package hrw

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Pick returns the highest scoring node for key. ok is false if nodes is
// empty.
func Pick(key string, nodes []string) (string, bool) {
	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, n := range nodes {
		s := score(key, n)
		if !found || s > bestScore || (s == bestScore && n < best) {
			best, bestScore, found = n, s, true
		}
	}
	return best, found
}

func score(key, node string) uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(node))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
