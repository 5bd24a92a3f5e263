package metadata

import (
	"cmp"
	"maps"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/internal/hrw"
)

// Broker is a cluster member as reported by the last metadata response.
type Broker struct {
	ID   string
	Host string
	Port uint16
}

// Addr returns host:port.
func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

// PartitionInfo describes one partition of a stream. The leader is absent
// while an election is in progress.
type PartitionInfo struct {
	id       uint32
	leader   *Broker
	replicas []Broker
	isr      []Broker
}

// ID returns the partition number.
func (p *PartitionInfo) ID() uint32 { return p.id }

// Leader returns the partition leader, ok=false when none is elected.
func (p *PartitionInfo) Leader() (Broker, bool) {
	if p.leader == nil {
		return Broker{}, false
	}
	return *p.leader, true
}

// Replicas returns the brokers holding a copy of the partition.
func (p *PartitionInfo) Replicas() []Broker { return slices.Clone(p.replicas) }

// ISR returns the replicas currently in sync with the leader.
func (p *PartitionInfo) ISR() []Broker { return slices.Clone(p.isr) }

// StreamInfo describes a stream and its partitions.
type StreamInfo struct {
	name       string
	subject    string
	partitions map[uint32]*PartitionInfo
}

// Name returns the stream name.
func (s *StreamInfo) Name() string { return s.name }

// Subject returns the subject the stream is attached to.
func (s *StreamInfo) Subject() string { return s.subject }

// Partition returns the partition with the given id.
func (s *StreamInfo) Partition(id uint32) (*PartitionInfo, bool) {
	p, ok := s.partitions[id]
	return p, ok
}

// PartitionIDs returns the known partition ids in ascending order.
func (s *StreamInfo) PartitionIDs() []uint32 {
	return slices.Sorted(maps.Keys(s.partitions))
}

// PartitionCount returns the number of known partitions.
func (s *StreamInfo) PartitionCount() int { return len(s.partitions) }

// Metadata is an immutable snapshot of the cluster topology. A refresh
// builds a new snapshot; existing ones are never modified.
type Metadata struct {
	brokers          map[string]Broker
	streamsByName    map[string]*StreamInfo
	streamsBySubject map[string]*StreamInfo
	lastUpdated      time.Time
}

// Empty returns a snapshot without brokers or streams.
func Empty() *Metadata {
	return newMetadata(nil, nil, time.Time{})
}

// Build turns a FetchMetadata response into a snapshot. Streams reported as
// unknown are left out. Partition leaders, replicas and ISR members whose
// broker id is not in the response's broker list are treated as absent.
func Build(resp *api.FetchMetadataResponse, now time.Time) *Metadata {
	if resp == nil {
		return newMetadata(nil, nil, now)
	}

	brokers := make(map[string]Broker, len(resp.Brokers))
	for _, b := range resp.Brokers {
		if b.Port < 0 || b.Port > 65535 {
			continue
		}
		brokers[b.ID] = Broker{ID: b.ID, Host: b.Host, Port: uint16(b.Port)}
	}

	lookup := func(ids []string) []Broker {
		out := make([]Broker, 0, len(ids))
		for _, id := range ids {
			if b, ok := brokers[id]; ok {
				out = append(out, b)
			}
		}
		return out
	}

	streams := make([]*StreamInfo, 0, len(resp.Metadata))
	for _, sm := range resp.Metadata {
		if sm.Error == api.StreamMetadataUnknownStream {
			continue
		}
		si := &StreamInfo{
			name:       sm.Name,
			subject:    sm.Subject,
			partitions: make(map[uint32]*PartitionInfo, len(sm.Partitions)),
		}
		for id, pm := range sm.Partitions {
			if id < 0 {
				continue
			}
			pi := &PartitionInfo{
				id:       uint32(id),
				replicas: lookup(pm.Replicas),
				isr:      lookup(pm.ISR),
			}
			if leader, ok := brokers[pm.Leader]; ok && pm.Leader != "" {
				pi.leader = &leader
			}
			si.partitions[pi.id] = pi
		}
		streams = append(streams, si)
	}

	return newMetadata(brokers, streams, now)
}

// newMetadata indexes streams by name and subject in one pass. When several
// streams share a subject, the one with the smallest name is indexed.
func newMetadata(brokers map[string]Broker, streams []*StreamInfo, now time.Time) *Metadata {
	if brokers == nil {
		brokers = map[string]Broker{}
	}
	slices.SortFunc(streams, func(a, b *StreamInfo) int { return cmp.Compare(a.name, b.name) })

	md := &Metadata{
		brokers:          brokers,
		streamsByName:    make(map[string]*StreamInfo, len(streams)),
		streamsBySubject: make(map[string]*StreamInfo, len(streams)),
		lastUpdated:      now,
	}
	for _, s := range streams {
		md.streamsByName[s.name] = s
		if _, taken := md.streamsBySubject[s.subject]; !taken {
			md.streamsBySubject[s.subject] = s
		}
	}
	return md
}

// merge returns a snapshot with next's brokers and streams, plus the streams
// of m that were not part of the scoped request.
func (m *Metadata) merge(next *Metadata, requested []string) *Metadata {
	streams := slices.Collect(maps.Values(next.streamsByName))
	for name, s := range m.streamsByName {
		if slices.Contains(requested, name) {
			continue
		}
		if _, ok := next.streamsByName[name]; ok {
			continue
		}
		streams = append(streams, s)
	}
	return newMetadata(next.brokers, streams, next.lastUpdated)
}

// LastUpdated returns when the snapshot was built.
func (m *Metadata) LastUpdated() time.Time { return m.lastUpdated }

// Broker returns the broker with the given id.
func (m *Metadata) Broker(id string) (Broker, bool) {
	b, ok := m.brokers[id]
	return b, ok
}

// Brokers returns all brokers ordered by id.
func (m *Metadata) Brokers() []Broker {
	out := slices.Collect(maps.Values(m.brokers))
	slices.SortFunc(out, func(a, b Broker) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Stream returns the stream with the given name.
func (m *Metadata) Stream(name string) (*StreamInfo, bool) {
	s, ok := m.streamsByName[name]
	return s, ok
}

// StreamBySubject returns the stream attached to subject.
func (m *Metadata) StreamBySubject(subject string) (*StreamInfo, bool) {
	s, ok := m.streamsBySubject[subject]
	return s, ok
}

// Streams returns all known streams ordered by name.
func (m *Metadata) Streams() []*StreamInfo {
	out := slices.Collect(maps.Values(m.streamsByName))
	slices.SortFunc(out, func(a, b *StreamInfo) int { return cmp.Compare(a.name, b.name) })
	return out
}

// HasSubject reports whether a stream is attached to subject.
func (m *Metadata) HasSubject(subject string) bool {
	_, ok := m.streamsBySubject[subject]
	return ok
}

// PartitionCountForSubject returns the partition count of the stream
// attached to subject.
func (m *Metadata) PartitionCountForSubject(subject string) (int, error) {
	s, ok := m.streamsBySubject[subject]
	if !ok {
		return 0, errs.ErrStreamNotFound.With("subject", subject)
	}
	return s.PartitionCount(), nil
}

func (m *Metadata) partition(stream string, partition uint32) (*PartitionInfo, error) {
	s, ok := m.streamsByName[stream]
	if !ok {
		return nil, errs.ErrNoSuchPartition.With("stream", stream).With("partition", partition)
	}
	p, ok := s.partitions[partition]
	if !ok {
		return nil, errs.ErrNoKnownPartition.With("stream", stream).With("partition", partition)
	}
	return p, nil
}

// Address returns host:port of the leader of the given partition.
func (m *Metadata) Address(stream string, partition uint32) (string, error) {
	p, err := m.partition(stream, partition)
	if err != nil {
		return "", err
	}
	leader, ok := p.Leader()
	if !ok {
		return "", errs.ErrNoKnownLeader.With("stream", stream).With("partition", partition)
	}
	return leader.Addr(), nil
}

// ReplicaAddress returns host:port of an in-sync replica of the given
// partition. The replica is chosen by rendezvous hashing on key, so one
// client keeps reading from the same replica while the ISR is stable. With
// an empty ISR it falls back to the leader.
func (m *Metadata) ReplicaAddress(stream string, partition uint32, key string) (string, error) {
	p, err := m.partition(stream, partition)
	if err != nil {
		return "", err
	}
	if len(p.isr) == 0 {
		return m.Address(stream, partition)
	}
	ids := make([]string, len(p.isr))
	byID := make(map[string]Broker, len(p.isr))
	for i, b := range p.isr {
		ids[i] = b.ID
		byID[b.ID] = b
	}
	id, _ := hrw.Pick(key, ids)
	return byID[id].Addr(), nil
}
