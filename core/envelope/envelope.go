// Package envelope frames records published directly on the pub/sub
// transport, outside the broker's request/response API.
//
// Layout:
//
//	0      4         5              6       7          8        [12]
//	| LIFT | version | header length | flags | msg type | crc32c | payload
//
// Flag bit 0 marks the presence of a CRC-32C (Castagnoli) of the payload.
// The payload is the JSON encoding of an api.Message or api.Ack.
package envelope

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/internal/codec"
)

// MsgType identifies the record carried in the payload.
type MsgType uint8

const (
	MsgTypePublish MsgType = 0
	MsgTypeAck     MsgType = 1
)

const (
	Version byte = 0

	flagCRC byte = 1 << 0

	minHeaderLen = 8
	crcLen       = 4
)

var (
	magic      = [4]byte{'L', 'I', 'F', 'T'}
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
	jsonCodec  = codec.JSONCodec{}
)

// Options controls encoding.
type Options struct {
	// Checksum adds a CRC-32C of the payload to the header.
	Checksum bool
}

// Encode frames payload as a record of type t.
func Encode(t MsgType, payload []byte, opts Options) []byte {
	headerLen := minHeaderLen
	var flags byte
	if opts.Checksum {
		headerLen += crcLen
		flags |= flagCRC
	}

	buf := make([]byte, headerLen, headerLen+len(payload))
	copy(buf[0:4], magic[:])
	buf[4] = Version
	buf[5] = byte(headerLen)
	buf[6] = flags
	buf[7] = byte(t)
	if opts.Checksum {
		binary.BigEndian.PutUint32(buf[8:12], crc32.Checksum(payload, crc32Table))
	}
	return append(buf, payload...)
}

// Decode validates the header of data and returns the record type and
// payload.
func Decode(data []byte) (MsgType, []byte, error) {
	if len(data) < minHeaderLen {
		return 0, nil, errs.ErrMissingEnvelopeHeader.With("length", len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return 0, nil, errs.ErrUnexpectedMagicNumber.With("magic", data[0:4])
	}
	if data[4] != Version {
		return 0, nil, errs.ErrUnknownEnvelopeProtocol.With("version", data[4])
	}
	headerLen := int(data[5])
	flags := data[6]
	t := MsgType(data[7])
	if t != MsgTypePublish && t != MsgTypeAck {
		return 0, nil, errs.ErrUnknownEnvelopeProtocol.With("msg_type", data[7])
	}

	want := minHeaderLen
	if flags&flagCRC != 0 {
		want += crcLen
	}
	if headerLen < want || len(data) < headerLen {
		return 0, nil, errs.ErrMissingEnvelopeHeader.With("header_length", headerLen).With("length", len(data))
	}

	payload := data[headerLen:]
	if flags&flagCRC != 0 {
		expected := binary.BigEndian.Uint32(data[8:12])
		if actual := crc32.Checksum(payload, crc32Table); actual != expected {
			return 0, nil, errs.ErrEnvelopeChecksum.With("expected", expected).With("actual", actual)
		}
	}
	return t, payload, nil
}

// EncodeMessage frames a publish record.
func EncodeMessage(m *api.Message, opts Options) ([]byte, error) {
	payload, err := jsonCodec.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Encode(MsgTypePublish, payload, opts), nil
}

// DecodeMessage parses a framed publish record.
func DecodeMessage(data []byte) (*api.Message, error) {
	var m api.Message
	if err := decodeAs(data, MsgTypePublish, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeAck frames an ack record.
func EncodeAck(a *api.Ack, opts Options) ([]byte, error) {
	payload, err := jsonCodec.Marshal(a)
	if err != nil {
		return nil, err
	}
	return Encode(MsgTypeAck, payload, opts), nil
}

// DecodeAck parses a framed ack record.
func DecodeAck(data []byte) (*api.Ack, error) {
	var a api.Ack
	if err := decodeAs(data, MsgTypeAck, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeAs(data []byte, want MsgType, v any) error {
	t, payload, err := Decode(data)
	if err != nil {
		return err
	}
	if t != want {
		return errs.ErrUnknownEnvelopeProtocol.With("msg_type", t).With("expected", want)
	}
	return jsonCodec.Unmarshal(payload, v)
}
