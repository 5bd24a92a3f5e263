// Package partition maps an outbound message to a partition of the stream
// attached to its subject.
//
// Strategies read the partition count from the metadata snapshot they are
// handed on every call and never cache it. Wildcard subjects are not
// supported: a subject without a stream in the snapshot yields
// errs.ErrStreamNotFound.
package partition

import (
	"hash/fnv"

	"github.com/codewandler/lift-go/core/metadata"
)

// Partitioner picks a partition for a message. A nil key is the empty key.
type Partitioner interface {
	Partition(subject string, key []byte, md *metadata.Metadata) (uint32, error)
}

// Func adapts a function to Partitioner.
type Func func(subject string, key []byte, md *metadata.Metadata) (uint32, error)

func (f Func) Partition(subject string, key []byte, md *metadata.Metadata) (uint32, error) {
	return f(subject, key, md)
}

// HashFunc hashes a message key.
type HashFunc func(key []byte) uint64

// FNV1a32 is the default key hash: 32-bit FNV-1a. Changing it changes the
// partition of every keyed message, so it is fixed.
func FNV1a32(key []byte) uint64 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return uint64(h.Sum32())
}

// Key assigns hash(key) mod n, where n is the partition count of the
// subject's stream.
type Key struct {
	hash HashFunc
}

// NewKey returns a key partitioner using hash, or FNV1a32 when hash is nil.
func NewKey(hash HashFunc) *Key {
	if hash == nil {
		hash = FNV1a32
	}
	return &Key{hash: hash}
}

func (k *Key) Partition(subject string, key []byte, md *metadata.Metadata) (uint32, error) {
	n, err := md.PartitionCountForSubject(subject)
	if err != nil {
		return 0, err
	}
	if n <= 1 {
		return 0, nil
	}
	return uint32(k.hash(key) % uint64(n)), nil
}

// RoundRobin cycles through the partitions of each subject. The per-subject
// position lives in a Counters value that can be shared between instances.
type RoundRobin struct {
	counters *Counters
}

// NewRoundRobin returns a round-robin partitioner over counters, or over a
// private Counters when counters is nil.
func NewRoundRobin(counters *Counters) *RoundRobin {
	if counters == nil {
		counters = NewCounters()
	}
	return &RoundRobin{counters: counters}
}

func (r *RoundRobin) Partition(subject string, _ []byte, md *metadata.Metadata) (uint32, error) {
	n, err := md.PartitionCountForSubject(subject)
	if err != nil {
		return 0, err
	}
	c := r.counters.Next(subject)
	if n <= 1 {
		return 0, nil
	}
	return uint32(c % uint64(n)), nil
}

var (
	_ Partitioner = (*Key)(nil)
	_ Partitioner = (*RoundRobin)(nil)
	_ Partitioner = Func(nil)
)
