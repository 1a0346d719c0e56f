package rpc

import (
	"github.com/tellerhq/teller/pkg/serialize"
)

// Every frame begins with a 16-byte prefix identifying the frame kind. The
// remainder of the frame is kind-specific.
var (
	// CallRequestPrefix + metadata + requestID + serviceID + methodID + payload
	CallRequestPrefix = framePrefix("tlr.call.request")
	// CallResponsePrefix + requestID + status + (payload | code + message)
	CallResponsePrefix = framePrefix("tlr.call.respons")
	// StreamOpenPrefix + metadata + requestID + streamID + serviceID + methodID + payload
	StreamOpenPrefix = framePrefix("tlr.stream.open.")
	// StreamDataPrefix + streamID + payload
	StreamDataPrefix = framePrefix("tlr.stream.data.")
	// StreamEndPrefix + streamID; half-close of the sender's direction
	StreamEndPrefix = framePrefix("tlr.stream.end..")
	// StreamClosePrefix + streamID + code + message; terminal in both directions
	StreamClosePrefix = framePrefix("tlr.stream.close")
)

const (
	PrefixSize = 16

	MessageResponse = uint8(0x01)
	ErrorResponse   = uint8(0x02)
)

// Message is implemented by every wire message type.
type Message interface {
	ByteSize() int
	Serialize(*serialize.FixedSizeWriter)
	Deserialize(*serialize.Reader) error
}

func framePrefix(s string) [16]byte {
	if len(s) != 16 {
		panic("frame prefix must be exactly 16 bytes: " + s)
	}
	var p [16]byte
	copy(p[:], s)
	return p
}

func ByteSizePrefix() int {
	return PrefixSize
}

func SerializePrefix(writer *serialize.FixedSizeWriter, data [16]byte) {
	bs := writer.Next(PrefixSize)
	copy(bs, data[:])
}

func DeserializePrefix(data *[16]byte, reader *serialize.Reader) error {
	bs, err := reader.Read(PrefixSize)
	if err != nil {
		return err
	}
	copy((*data)[:], bs)
	return nil
}
