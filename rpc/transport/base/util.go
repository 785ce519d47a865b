package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// frameKind is the first header field of every frame
type frameKind uint64

const (
	frameHello          frameKind = iota + 1 // client id, first frame of a connection
	frameRequest                             // request expecting a reply
	frameRequestNoReply                      // request without reply
	frameReply                               // reply, same frame id as the request
	framePush                                // service initiated completion, frame id 0
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameRequest:
		return "request"
	case frameRequestNoReply:
		return "request-no-reply"
	case frameReply:
		return "reply"
	case framePush:
		return "push"
	default:
		return fmt.Sprintf("frame(%d)", uint64(k))
	}
}

const frameHeaderSize = 20

// maxFrameSize bounds the payload a peer may announce
const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: frame kind (uint64, big endian)
// - 8 bytes: frame id (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, kind frameKind, frameID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], uint64(kind))
	binary.BigEndian.PutUint64(header[8:16], frameID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small, a new one is allocated for the data.
// The returned data aliases buf when it fit.
func readFrame(conn net.Conn, buf []byte) (frameKind, uint64, []byte, error) {
	if len(buf) < frameHeaderSize {
		buf = make([]byte, frameHeaderSize)
	}

	if _, err := io.ReadFull(conn, buf[:frameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}

	kind := frameKind(binary.BigEndian.Uint64(buf[:8]))
	frameID := binary.BigEndian.Uint64(buf[8:16])
	contentLength := binary.BigEndian.Uint32(buf[16:20])

	if contentLength == 0 {
		return kind, frameID, []byte{}, nil
	}
	if contentLength > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", contentLength)
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, nil, err
	}

	return kind, frameID, buf[:contentLength], nil
}
