package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dMC/lib/ops"
)

// HeaderSize is the length of a binary protocol header
const HeaderSize = 24

// Magic bytes
const (
	MagicRequest  uint8 = 0x80
	MagicResponse uint8 = 0x81
)

// Opcodes of the binary protocol
const (
	OpGet       uint8 = 0x00
	OpSet       uint8 = 0x01
	OpAdd       uint8 = 0x02
	OpReplace   uint8 = 0x03
	OpDelete    uint8 = 0x04
	OpIncrement uint8 = 0x05
	OpDecrement uint8 = 0x06
	OpQuit      uint8 = 0x07
	OpFlush     uint8 = 0x08
	OpGetQ      uint8 = 0x09
	OpNoop      uint8 = 0x0a
	OpVersion   uint8 = 0x0b
	OpGetK      uint8 = 0x0c
	OpGetKQ     uint8 = 0x0d
	OpAppend    uint8 = 0x0e
	OpPrepend   uint8 = 0x0f
	OpStat      uint8 = 0x10
	OpSaslList  uint8 = 0x20
	OpSaslAuth  uint8 = 0x21
	OpSaslStep  uint8 = 0x22
)

// Response status codes of the binary protocol
const (
	BinStatusOK             uint16 = 0x0000
	BinStatusKeyNotFound    uint16 = 0x0001
	BinStatusKeyExists      uint16 = 0x0002
	BinStatusTooLarge       uint16 = 0x0003
	BinStatusInvalidArgs    uint16 = 0x0004
	BinStatusNotStored      uint16 = 0x0005
	BinStatusNonNumeric     uint16 = 0x0006
	BinStatusNotMyVbucket   uint16 = 0x0007
	BinStatusAuthError      uint16 = 0x0020
	BinStatusAuthContinue   uint16 = 0x0021
	BinStatusUnknownCommand uint16 = 0x0081
	BinStatusOutOfMemory    uint16 = 0x0082
	BinStatusNotSupported   uint16 = 0x0083
	BinStatusInternalError  uint16 = 0x0084
	BinStatusBusy           uint16 = 0x0085
	BinStatusTempFailure    uint16 = 0x0086
)

// --------------------------------------------------------------------------
// Frame
// --------------------------------------------------------------------------

// BinaryFrame is one request or response of the binary protocol. Status holds
// the vbucket id in requests.
type BinaryFrame struct {
	Magic    uint8
	Opcode   uint8
	DataType uint8
	Status   uint16
	Opaque   uint32
	CAS      uint64
	Extras   []byte
	Key      []byte
	Value    []byte
}

// Size returns the encoded length of the frame
func (f *BinaryFrame) Size() int {
	return HeaderSize + len(f.Extras) + len(f.Key) + len(f.Value)
}

// Encode writes header, extras, key and value
func (f *BinaryFrame) Encode() []byte {
	b := make([]byte, f.Size())
	f.EncodeTo(b)
	return b
}

// EncodeTo writes the frame into b which must hold at least Size() bytes
func (f *BinaryFrame) EncodeTo(b []byte) {
	bodyLen := len(f.Extras) + len(f.Key) + len(f.Value)

	b[0] = f.Magic
	b[1] = f.Opcode
	binary.BigEndian.PutUint16(b[2:4], uint16(len(f.Key)))
	b[4] = uint8(len(f.Extras))
	b[5] = f.DataType
	binary.BigEndian.PutUint16(b[6:8], f.Status)
	binary.BigEndian.PutUint32(b[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(b[12:16], f.Opaque)
	binary.BigEndian.PutUint64(b[16:24], f.CAS)

	pos := HeaderSize
	pos += copy(b[pos:], f.Extras)
	pos += copy(b[pos:], f.Key)
	copy(b[pos:], f.Value)
}

// newRequest creates a request frame
func newRequest(opcode uint8, opaque uint32, cas uint64, extras []byte, key string, value []byte) *BinaryFrame {
	return &BinaryFrame{
		Magic:  MagicRequest,
		Opcode: opcode,
		Opaque: opaque,
		CAS:    cas,
		Extras: extras,
		Key:    []byte(key),
		Value:  value,
	}
}

// --------------------------------------------------------------------------
// Frame Reader
// --------------------------------------------------------------------------

// BinaryFrameReader assembles frames from arbitrarily split input. The header is
// accumulated first (exactly 24 bytes), then exactly body length bytes.
type BinaryFrameReader struct {
	magic   uint8
	maxBody int // 0 means unlimited
	header  [HeaderSize]byte
	hdrN    int
	keyLen  int
	extLen  int
	body    []byte
	bodyN   int
	frame   *BinaryFrame
}

// NewBinaryFrameReader creates a reader accepting frames with the given magic byte
func NewBinaryFrameReader(magic uint8) *BinaryFrameReader {
	return &BinaryFrameReader{magic: magic}
}

// SetMaxBodyLen rejects frames whose body is longer than n bytes, n <= 0 disables the check
func (r *BinaryFrameReader) SetMaxBodyLen(n int) {
	r.maxBody = n
}

// Feed consumes bytes from b. It never consumes bytes of the next frame. When a
// frame is complete it is returned and the reader is reset.
func (r *BinaryFrameReader) Feed(b []byte) (n int, frame *BinaryFrame, err error) {
	if r.hdrN < HeaderSize {
		c := copy(r.header[r.hdrN:], b)
		r.hdrN += c
		n += c
		if r.hdrN < HeaderSize {
			return n, nil, nil
		}
		if err := r.parseHeader(); err != nil {
			r.Reset()
			return n, nil, err
		}
	}

	c := copy(r.body[r.bodyN:], b[n:])
	r.bodyN += c
	n += c
	if r.bodyN < len(r.body) {
		return n, nil, nil
	}

	f := r.frame
	f.Extras = r.body[:r.extLen]
	f.Key = r.body[r.extLen : r.extLen+r.keyLen]
	f.Value = r.body[r.extLen+r.keyLen:]
	r.Reset()
	return n, f, nil
}

// Reset discards any partial frame
func (r *BinaryFrameReader) Reset() {
	r.hdrN = 0
	r.bodyN = 0
	r.body = nil
	r.frame = nil
}

// InProgress reports whether a partial frame was read
func (r *BinaryFrameReader) InProgress() bool {
	return r.hdrN > 0
}

func (r *BinaryFrameReader) parseHeader() error {
	h := r.header[:]
	if h[0] != r.magic {
		return fmt.Errorf("%w: invalid magic 0x%02x, expected 0x%02x", ops.ErrProtocol, h[0], r.magic)
	}
	r.keyLen = int(binary.BigEndian.Uint16(h[2:4]))
	r.extLen = int(h[4])
	bodyLen := int(binary.BigEndian.Uint32(h[8:12]))
	if r.keyLen+r.extLen > bodyLen {
		return fmt.Errorf("%w: body length %d shorter than key and extras", ops.ErrProtocol, bodyLen)
	}
	if r.maxBody > 0 && bodyLen > r.maxBody {
		return fmt.Errorf("%w: body length %d exceeds the limit of %d", ops.ErrProtocol, bodyLen, r.maxBody)
	}
	r.body = make([]byte, bodyLen)
	r.bodyN = 0
	r.frame = &BinaryFrame{
		Magic:    h[0],
		Opcode:   h[1],
		DataType: h[5],
		Status:   binary.BigEndian.Uint16(h[6:8]),
		Opaque:   binary.BigEndian.Uint32(h[12:16]),
		CAS:      binary.BigEndian.Uint64(h[16:24]),
	}
	return nil
}

// --------------------------------------------------------------------------
// Status Mapping
// --------------------------------------------------------------------------

// mapBinaryStatus converts a wire status. isError is true for statuses that
// attach an OperationError instead of a plain failed status.
func mapBinaryStatus(status uint16) (code ops.StatusCode, kind ops.ErrorKind, isError bool) {
	switch status {
	case BinStatusOK:
		return ops.StatusSuccess, 0, false
	case BinStatusKeyNotFound:
		return ops.StatusNotFound, 0, false
	case BinStatusKeyExists:
		return ops.StatusExists, 0, false
	case BinStatusNotStored:
		return ops.StatusNotStored, 0, false
	case BinStatusAuthError:
		return ops.StatusAuthError, 0, false
	case BinStatusAuthContinue:
		return ops.StatusAuthContinue, 0, false
	case BinStatusTooLarge:
		return ops.StatusTooLarge, ops.ErrorClient, true
	case BinStatusInvalidArgs:
		return ops.StatusInvalidArguments, ops.ErrorClient, true
	case BinStatusNonNumeric:
		return ops.StatusNonNumeric, ops.ErrorClient, true
	case BinStatusOutOfMemory:
		return ops.StatusOutOfMemory, ops.ErrorServer, true
	case BinStatusInternalError:
		return ops.StatusInternalError, ops.ErrorServer, true
	case BinStatusBusy:
		return ops.StatusBusy, ops.ErrorServer, true
	case BinStatusTempFailure:
		return ops.StatusTemporaryFailure, ops.ErrorServer, true
	case BinStatusNotMyVbucket:
		return ops.StatusNotMyVbucket, ops.ErrorGeneral, true
	case BinStatusUnknownCommand:
		return ops.StatusUnknownCommand, ops.ErrorGeneral, true
	case BinStatusNotSupported:
		return ops.StatusNotSupported, ops.ErrorGeneral, true
	default:
		return ops.StatusError, ops.ErrorGeneral, true
	}
}

// statusMessage returns the message of a failed response, which memcached
// sends as value
func statusMessage(f *BinaryFrame, code ops.StatusCode) string {
	if len(f.Value) > 0 {
		return string(f.Value)
	}
	return code.String()
}
