package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dMC/lib/ops"
)

// NewBinaryFactory creates the factory of the binary protocol. Every request
// gets its correlation id from opaques.
func NewBinaryFactory(opaques *ops.OpaqueGenerator, opts ...FactoryOption) IOperationFactory {
	return &binaryFactoryImpl{opaques: opaques, opts: applyFactoryOptions(opts)}
}

// binaryFactoryImpl implements IOperationFactory for the binary protocol
type binaryFactoryImpl struct {
	opaques *ops.OpaqueGenerator
	opts    factoryOptions
}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IOperationFactory)
// --------------------------------------------------------------------------

func (f *binaryFactoryImpl) Name() string {
	return "binary"
}

func (f *binaryFactoryImpl) ValidateKey(key string) error {
	return validateKey(key, true)
}

func (f *binaryFactoryImpl) Get(key string, cb ops.GetCallback) *ops.Operation {
	return f.single(ops.KindGet, OpGet, key, cb, handleGet(key))
}

func (f *binaryFactoryImpl) Gets(key string, cb ops.GetCallback) *ops.Operation {
	return f.single(ops.KindGets, OpGet, key, cb, handleGet(key))
}

func (f *binaryFactoryImpl) MultiGet(keys []string, cb ops.GetCallback) *ops.Operation {
	keys = uniqueKeys(keys)
	p := &binaryMultiGet{
		keys:     keys,
		opaques:  make([]uint32, len(keys)),
		byOpaque: make(map[uint32]string, len(keys)),
		reader:   f.newReader(),
	}
	for i, k := range keys {
		p.opaques[i] = f.opaques.Next()
		p.byOpaque[p.opaques[i]] = k
	}
	p.terminator = f.opaques.Next()
	return ops.New(ops.KindMultiGet, p, cb)
}

func (f *binaryFactoryImpl) Store(req StoreRequest, cb ops.Callback) *ops.Operation {
	var opcode uint8
	var extras []byte
	var cas uint64
	switch req.Type {
	case StoreAppend:
		opcode = OpAppend
	case StorePrepend:
		opcode = OpPrepend
	default:
		switch req.Type {
		case StoreAdd:
			opcode = OpAdd
		case StoreReplace:
			opcode = OpReplace
		case StoreCAS:
			opcode, cas = OpSet, req.CAS
		default:
			opcode = OpSet
		}
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], req.Flags)
		binary.BigEndian.PutUint32(extras[4:8], req.Expiration)
	}
	frame := newRequest(opcode, f.opaques.Next(), cas, extras, req.Key, req.Value)
	return f.build(ops.KindStore, frame, []string{req.Key}, cb, handleStatusOnly)
}

func (f *binaryFactoryImpl) Delete(key string, cb ops.Callback) *ops.Operation {
	frame := newRequest(OpDelete, f.opaques.Next(), 0, nil, key, nil)
	return f.build(ops.KindDelete, frame, []string{key}, cb, handleStatusOnly)
}

func (f *binaryFactoryImpl) Mutate(req MutateRequest, cb ops.Callback) *ops.Operation {
	opcode := OpIncrement
	if req.Type == MutateDecr {
		opcode = OpDecrement
	}
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], req.Delta)
	binary.BigEndian.PutUint64(extras[8:16], req.Initial)
	binary.BigEndian.PutUint32(extras[16:20], req.Expiration)
	frame := newRequest(opcode, f.opaques.Next(), 0, extras, req.Key, nil)
	return f.build(ops.KindMutate, frame, []string{req.Key}, cb, handleMutate)
}

func (f *binaryFactoryImpl) Flush(delay uint32, cb ops.Callback) *ops.Operation {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, delay)
	frame := newRequest(OpFlush, f.opaques.Next(), 0, extras, "", nil)
	return f.build(ops.KindFlush, frame, nil, cb, handleStatusOnly)
}

func (f *binaryFactoryImpl) Version(cb ops.Callback) *ops.Operation {
	frame := newRequest(OpVersion, f.opaques.Next(), 0, nil, "", nil)
	return f.build(ops.KindVersion, frame, nil, cb, handleValueAsMessage)
}

func (f *binaryFactoryImpl) Stats(arg string, cb ops.StatsCallback) *ops.Operation {
	frame := newRequest(OpStat, f.opaques.Next(), 0, nil, arg, nil)
	return f.build(ops.KindStats, frame, nil, cb, handleStat)
}

func (f *binaryFactoryImpl) Noop(cb ops.Callback) *ops.Operation {
	frame := newRequest(OpNoop, f.opaques.Next(), 0, nil, "", nil)
	return f.build(ops.KindNoop, frame, nil, cb, handleStatusOnly)
}

func (f *binaryFactoryImpl) SaslMechs(cb ops.Callback) (*ops.Operation, error) {
	frame := newRequest(OpSaslList, f.opaques.Next(), 0, nil, "", nil)
	return f.build(ops.KindSaslMechs, frame, nil, cb, handleValueAsMessage), nil
}

func (f *binaryFactoryImpl) SaslAuth(mechanism string, data []byte, cb ops.Callback) (*ops.Operation, error) {
	frame := newRequest(OpSaslAuth, f.opaques.Next(), 0, nil, mechanism, data)
	return f.build(ops.KindSaslAuth, frame, nil, cb, handleValueAsMessage), nil
}

func (f *binaryFactoryImpl) SaslStep(mechanism string, data []byte, cb ops.Callback) (*ops.Operation, error) {
	frame := newRequest(OpSaslStep, f.opaques.Next(), 0, nil, mechanism, data)
	return f.build(ops.KindSaslStep, frame, nil, cb, handleValueAsMessage), nil
}

func (f *binaryFactoryImpl) Optimize(batch []*ops.Operation) *ops.Operation {
	return mergeGets(f, batch)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (f *binaryFactoryImpl) single(kind ops.Kind, opcode uint8, key string, cb ops.Callback, h binaryHandler) *ops.Operation {
	frame := newRequest(opcode, f.opaques.Next(), 0, nil, key, nil)
	return f.build(kind, frame, []string{key}, cb, h)
}

func (f *binaryFactoryImpl) build(kind ops.Kind, frame *BinaryFrame, keys []string, cb ops.Callback, h binaryHandler) *ops.Operation {
	p := &binaryPayload{
		request: frame,
		keys:    keys,
		reader:  f.newReader(),
		handle:  h,
	}
	return ops.New(kind, p, cb)
}

// newReader creates a response reader whose body limit leaves room for key and extras
func (f *binaryFactoryImpl) newReader() *BinaryFrameReader {
	r := NewBinaryFrameReader(MagicResponse)
	r.SetMaxBodyLen(f.opts.maxItemSize + MaxKeyLength + 255)
	return r
}

// --------------------------------------------------------------------------
// Single Frame Payload
// --------------------------------------------------------------------------

// binaryHandler processes a response frame with a successful or non error status.
// It returns true once the response of the command is complete.
type binaryHandler func(op *ops.Operation, f *BinaryFrame, status ops.Status) bool

// binaryPayload implements ops.Payload for every command answered by frames
// carrying the request opcode and opaque
type binaryPayload struct {
	request *BinaryFrame
	keys    []string
	reader  *BinaryFrameReader
	handle  binaryHandler
}

func (p *binaryPayload) Encode(op *ops.Operation) ([]byte, error) {
	op.SetOpaque(p.request.Opaque)
	return p.request.Encode(), nil
}

func (p *binaryPayload) Keys() []string {
	return p.keys
}

func (p *binaryPayload) ReadFrom(op *ops.Operation, b []byte) (int, bool, error) {
	consumed := 0
	for consumed < len(b) {
		n, f, err := p.reader.Feed(b[consumed:])
		consumed += n
		if err != nil {
			return consumed, false, err
		}
		if f == nil {
			return consumed, false, nil
		}
		if f.Opcode != p.request.Opcode {
			return consumed, false, fmt.Errorf("%w: response opcode 0x%02x for request 0x%02x", ops.ErrProtocol, f.Opcode, p.request.Opcode)
		}
		if f.Opaque != p.request.Opaque {
			return consumed, false, fmt.Errorf("%w: response opaque %d does not match request %d", ops.ErrProtocol, f.Opaque, p.request.Opaque)
		}

		code, kind, isError := mapBinaryStatus(f.Status)
		if isError {
			op.HandleError(kind, code, statusMessage(f, code))
			return consumed, true, nil
		}
		status := ops.NewStatus(code, "")
		status.CAS = f.CAS
		if !status.Success {
			status.Message = statusMessage(f, code)
		}
		if p.handle(op, f, status) {
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func handleStatusOnly(op *ops.Operation, _ *BinaryFrame, status ops.Status) bool {
	op.ReceivedStatus(status)
	return true
}

func handleGet(key string) binaryHandler {
	return func(op *ops.Operation, f *BinaryFrame, status ops.Status) bool {
		if status.Success {
			var flags uint32
			if len(f.Extras) >= 4 {
				flags = binary.BigEndian.Uint32(f.Extras[:4])
			}
			op.GotData(key, flags, f.CAS, f.Value)
		}
		op.ReceivedStatus(status)
		return true
	}
}

func handleMutate(op *ops.Operation, f *BinaryFrame, status ops.Status) bool {
	if status.Success && len(f.Value) == 8 {
		status.Message = strconv.FormatUint(binary.BigEndian.Uint64(f.Value), 10)
	}
	op.ReceivedStatus(status)
	return true
}

func handleValueAsMessage(op *ops.Operation, f *BinaryFrame, status ops.Status) bool {
	if status.Success || status.Code == ops.StatusAuthContinue {
		status.Message = string(f.Value)
	}
	op.ReceivedStatus(status)
	return true
}

// handleStat reports one statistic per frame; an empty key ends the stream
func handleStat(op *ops.Operation, f *BinaryFrame, status ops.Status) bool {
	if !status.Success || len(f.Key) == 0 {
		op.ReceivedStatus(status)
		return true
	}
	op.GotStat(string(f.Key), string(f.Value))
	return false
}

// --------------------------------------------------------------------------
// Multi Get Payload
// --------------------------------------------------------------------------

// binaryMultiGet sends one quiet GETKQ per key followed by a NOOP. Misses are not
// answered, so the NOOP response ends the operation.
type binaryMultiGet struct {
	keys       []string
	opaques    []uint32 // opaque of keys[i]
	byOpaque   map[uint32]string
	terminator uint32
	reader     *BinaryFrameReader
	failure    *ops.Status
	failErr    bool
	errKind    ops.ErrorKind
}

func (p *binaryMultiGet) Encode(op *ops.Operation) ([]byte, error) {
	frames := make([]*BinaryFrame, 0, len(p.keys)+1)
	size := 0
	for i, key := range p.keys {
		frames = append(frames, newRequest(OpGetKQ, p.opaques[i], 0, nil, key, nil))
	}
	frames = append(frames, newRequest(OpNoop, p.terminator, 0, nil, "", nil))
	for _, f := range frames {
		size += f.Size()
	}

	b := make([]byte, size)
	pos := 0
	for _, f := range frames {
		f.EncodeTo(b[pos:])
		pos += f.Size()
	}
	op.SetOpaque(p.terminator)
	return b, nil
}

func (p *binaryMultiGet) Keys() []string {
	return p.keys
}

func (p *binaryMultiGet) ReadFrom(op *ops.Operation, b []byte) (int, bool, error) {
	consumed := 0
	for consumed < len(b) {
		n, f, err := p.reader.Feed(b[consumed:])
		consumed += n
		if err != nil {
			return consumed, false, err
		}
		if f == nil {
			return consumed, false, nil
		}

		if f.Opcode == OpNoop && f.Opaque == p.terminator {
			p.finish(op)
			return consumed, true, nil
		}
		key, ok := p.byOpaque[f.Opaque]
		if f.Opcode != OpGetKQ || !ok {
			return consumed, false, fmt.Errorf("%w: unexpected response opcode 0x%02x opaque %d in multi get", ops.ErrProtocol, f.Opcode, f.Opaque)
		}

		code, kind, isError := mapBinaryStatus(f.Status)
		switch {
		case code == ops.StatusSuccess:
			var flags uint32
			if len(f.Extras) >= 4 {
				flags = binary.BigEndian.Uint32(f.Extras[:4])
			}
			if len(f.Key) > 0 {
				key = string(f.Key)
			}
			op.GotData(key, flags, f.CAS, f.Value)
		case code == ops.StatusNotFound:
		default:
			if p.failure == nil {
				s := ops.NewStatus(code, statusMessage(f, code))
				p.failure = &s
				p.failErr = isError
				p.errKind = kind
			}
		}
	}
	return consumed, false, nil
}

// finish reports the first failure of a key or success
func (p *binaryMultiGet) finish(op *ops.Operation) {
	if p.failure == nil {
		op.ReceivedStatus(ops.NewStatus(ops.StatusSuccess, ""))
		return
	}
	if p.failErr {
		op.HandleError(p.errKind, p.failure.Code, p.failure.Message)
		return
	}
	op.ReceivedStatus(*p.failure)
}
