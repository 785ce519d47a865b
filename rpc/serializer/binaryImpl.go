package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/ctxd/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: MsgType (1 byte) | flags (2 bytes, big endian) | present fields in
// flag order. Integers are 4 bytes big endian, strings are a 4 byte length
// followed by the bytes.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasReqType uint16 = 1 << iota
	hasCookie
	hasReqID
	hasSubject
	hasInput
	hasCode
	hasResult
	hasOutput
	hasErr
)

const binaryHeaderSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, binaryHeaderSize, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)

	var flags uint16

	if msg.ReqType != 0 {
		flags |= hasReqType
		result = binary.BigEndian.AppendUint32(result, uint32(msg.ReqType))
	}
	if msg.Cookie != "" {
		flags |= hasCookie
		result = appendString(result, msg.Cookie)
	}
	if msg.ReqID != 0 {
		flags |= hasReqID
		result = binary.BigEndian.AppendUint32(result, uint32(msg.ReqID))
	}
	if msg.Subject != "" {
		flags |= hasSubject
		result = appendString(result, msg.Subject)
	}
	if msg.Input != "" {
		flags |= hasInput
		result = appendString(result, msg.Input)
	}
	if msg.Code != 0 {
		flags |= hasCode
		result = binary.BigEndian.AppendUint32(result, uint32(msg.Code))
	}
	if msg.Result != "" {
		flags |= hasResult
		result = appendString(result, msg.Result)
	}
	if msg.Output != "" {
		flags |= hasOutput
		result = appendString(result, msg.Output)
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendString(result, msg.Err)
	}

	// flags are known only after all fields were written
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < binaryHeaderSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: binaryHeaderSize}

	if flags&hasReqType != 0 {
		v, err := r.int32("request type")
		if err != nil {
			return err
		}
		msg.ReqType = common.RequestType(v)
	}
	if flags&hasCookie != 0 {
		v, err := r.string("cookie")
		if err != nil {
			return err
		}
		msg.Cookie = v
	}
	if flags&hasReqID != 0 {
		v, err := r.int32("request id")
		if err != nil {
			return err
		}
		msg.ReqID = v
	}
	if flags&hasSubject != 0 {
		v, err := r.string("subject")
		if err != nil {
			return err
		}
		msg.Subject = v
	}
	if flags&hasInput != 0 {
		v, err := r.string("input")
		if err != nil {
			return err
		}
		msg.Input = v
	}
	if flags&hasCode != 0 {
		v, err := r.int32("code")
		if err != nil {
			return err
		}
		msg.Code = v
	}
	if flags&hasResult != 0 {
		v, err := r.string("result")
		if err != nil {
			return err
		}
		msg.Result = v
	}
	if flags&hasOutput != 0 {
		v, err := r.string("output")
		if err != nil {
			return err
		}
		msg.Output = v
	}
	if flags&hasErr != 0 {
		v, err := r.string("error")
		if err != nil {
			return err
		}
		msg.Err = v
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := binaryHeaderSize

	if msg.ReqType != 0 {
		size += 4
	}
	if msg.ReqID != 0 {
		size += 4
	}
	if msg.Code != 0 {
		size += 4
	}
	for _, s := range []string{msg.Cookie, msg.Subject, msg.Input, msg.Result, msg.Output, msg.Err} {
		if s != "" {
			size += 4 + len(s)
		}
	}

	return size
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// reader decodes fields with bounds checks
type reader struct {
	data []byte
	pos  int
}

func (r *reader) int32(field string) (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := int32(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

func (r *reader) string(field string) (string, error) {
	if r.pos+4 > len(r.data) {
		return "", fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4

	if n < 0 || r.pos+n > len(r.data) {
		return "", fmt.Errorf("data too short for %s data", field)
	}
	v := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return v, nil
}
