package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dMC/lib/ops"
)

// NewAsciiFactory creates the factory of the ascii line protocol
func NewAsciiFactory(opts ...FactoryOption) IOperationFactory {
	return &asciiFactoryImpl{opts: applyFactoryOptions(opts)}
}

// asciiFactoryImpl implements IOperationFactory for the ascii line protocol
type asciiFactoryImpl struct {
	opts factoryOptions
}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IOperationFactory)
// --------------------------------------------------------------------------

func (f *asciiFactoryImpl) Name() string {
	return "ascii"
}

func (f *asciiFactoryImpl) ValidateKey(key string) error {
	return validateKey(key, false)
}

func (f *asciiFactoryImpl) Get(key string, cb ops.GetCallback) *ops.Operation {
	return f.build(ops.KindGet, "get "+key+"\r\n", nil, []string{key}, cb, &asciiGet{single: true})
}

func (f *asciiFactoryImpl) Gets(key string, cb ops.GetCallback) *ops.Operation {
	return f.build(ops.KindGets, "gets "+key+"\r\n", nil, []string{key}, cb, &asciiGet{single: true})
}

func (f *asciiFactoryImpl) MultiGet(keys []string, cb ops.GetCallback) *ops.Operation {
	keys = uniqueKeys(keys)
	return f.build(ops.KindMultiGet, "get "+strings.Join(keys, " ")+"\r\n", nil, keys, cb, &asciiGet{})
}

func (f *asciiFactoryImpl) Store(req StoreRequest, cb ops.Callback) *ops.Operation {
	line := fmt.Sprintf("%s %s %d %d %d", req.Type, req.Key, req.Flags, req.Expiration, len(req.Value))
	if req.Type == StoreCAS {
		line += " " + strconv.FormatUint(req.CAS, 10)
	}
	return f.build(ops.KindStore, line+"\r\n", req.Value, []string{req.Key}, cb, asciiStatusLines{
		"STORED":     ops.StatusSuccess,
		"NOT_STORED": ops.StatusNotStored,
		"EXISTS":     ops.StatusExists,
		"NOT_FOUND":  ops.StatusNotFound,
	})
}

func (f *asciiFactoryImpl) Delete(key string, cb ops.Callback) *ops.Operation {
	return f.build(ops.KindDelete, "delete "+key+"\r\n", nil, []string{key}, cb, asciiStatusLines{
		"DELETED":   ops.StatusSuccess,
		"NOT_FOUND": ops.StatusNotFound,
	})
}

func (f *asciiFactoryImpl) Mutate(req MutateRequest, cb ops.Callback) *ops.Operation {
	line := fmt.Sprintf("%s %s %d\r\n", req.Type, req.Key, req.Delta)
	return f.build(ops.KindMutate, line, nil, []string{req.Key}, cb, asciiMutate{})
}

func (f *asciiFactoryImpl) Flush(delay uint32, cb ops.Callback) *ops.Operation {
	line := "flush_all\r\n"
	if delay > 0 {
		line = fmt.Sprintf("flush_all %d\r\n", delay)
	}
	return f.build(ops.KindFlush, line, nil, nil, cb, asciiStatusLines{"OK": ops.StatusSuccess})
}

func (f *asciiFactoryImpl) Version(cb ops.Callback) *ops.Operation {
	return f.build(ops.KindVersion, "version\r\n", nil, nil, cb, asciiVersion{})
}

func (f *asciiFactoryImpl) Stats(arg string, cb ops.StatsCallback) *ops.Operation {
	line := "stats\r\n"
	if arg != "" {
		line = "stats " + arg + "\r\n"
	}
	return f.build(ops.KindStats, line, nil, nil, cb, asciiStats{})
}

// Noop sends "version", the line protocol has no no-op command
func (f *asciiFactoryImpl) Noop(cb ops.Callback) *ops.Operation {
	return f.build(ops.KindNoop, "version\r\n", nil, nil, cb, asciiVersion{})
}

func (f *asciiFactoryImpl) SaslMechs(ops.Callback) (*ops.Operation, error) {
	return nil, fmt.Errorf("%w: sasl requires the binary protocol", ErrNotSupported)
}

func (f *asciiFactoryImpl) SaslAuth(string, []byte, ops.Callback) (*ops.Operation, error) {
	return nil, fmt.Errorf("%w: sasl requires the binary protocol", ErrNotSupported)
}

func (f *asciiFactoryImpl) SaslStep(string, []byte, ops.Callback) (*ops.Operation, error) {
	return nil, fmt.Errorf("%w: sasl requires the binary protocol", ErrNotSupported)
}

func (f *asciiFactoryImpl) Optimize(batch []*ops.Operation) *ops.Operation {
	return mergeGets(f, batch)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (f *asciiFactoryImpl) build(kind ops.Kind, line string, data []byte, keys []string, cb ops.Callback, h asciiHandler) *ops.Operation {
	req := make([]byte, 0, len(line)+len(data)+2)
	req = append(req, line...)
	if data != nil {
		req = append(req, data...)
		req = append(req, '\r', '\n')
	}
	return ops.New(kind, &asciiPayload{request: req, keys: keys, handler: h, maxData: f.opts.maxItemSize}, cb)
}

// --------------------------------------------------------------------------
// Payload
// --------------------------------------------------------------------------

// asciiHandler processes one complete response line. It returns done once the
// response is complete. A handler may request a data block of n bytes (plus the
// trailing CRLF) which is then delivered through the dataHandler capability.
type asciiHandler interface {
	handleLine(op *ops.Operation, line string) (done bool, dataLen int, err error)
}

// asciiDataHandler is implemented by handlers that read data blocks
type asciiDataHandler interface {
	handleData(op *ops.Operation, data []byte)
}

// asciiPayload implements ops.Payload for the line protocol. Partial lines and
// data blocks are buffered so the response can be split at any byte.
type asciiPayload struct {
	request []byte
	keys    []string
	handler asciiHandler
	maxData int

	line    []byte
	data    []byte // data block being read, including CRLF
	dataN   int
	reading bool
}

func (p *asciiPayload) Encode(*ops.Operation) ([]byte, error) {
	return p.request, nil
}

func (p *asciiPayload) Keys() []string {
	return p.keys
}

func (p *asciiPayload) ReadFrom(op *ops.Operation, b []byte) (int, bool, error) {
	consumed := 0
	for consumed < len(b) {
		if p.reading {
			c := copy(p.data[p.dataN:], b[consumed:])
			p.dataN += c
			consumed += c
			if p.dataN < len(p.data) {
				return consumed, false, nil
			}
			block := p.data[:len(p.data)-2]
			if !bytes.HasSuffix(p.data, []byte("\r\n")) {
				return consumed, false, fmt.Errorf("%w: data block not terminated by CRLF", ops.ErrProtocol)
			}
			if dh, ok := p.handler.(asciiDataHandler); ok {
				dh.handleData(op, block)
			}
			p.reading, p.data, p.dataN = false, nil, 0
			continue
		}

		idx := bytes.IndexByte(b[consumed:], '\n')
		if idx < 0 {
			p.line = append(p.line, b[consumed:]...)
			if len(p.line) > MaxLineLength {
				return len(b), false, fmt.Errorf("%w: response line longer than %d bytes", ops.ErrProtocol, MaxLineLength)
			}
			return len(b), false, nil
		}
		p.line = append(p.line, b[consumed:consumed+idx]...)
		if len(p.line) > MaxLineLength {
			return consumed + idx + 1, false, fmt.Errorf("%w: response line longer than %d bytes", ops.ErrProtocol, MaxLineLength)
		}
		consumed += idx + 1
		line := strings.TrimSuffix(string(p.line), "\r")
		p.line = p.line[:0]

		if kind, msg, isErr := classifyErrorLine(line); isErr {
			code := ops.StatusError
			switch kind {
			case ops.ErrorClient:
				code = ops.StatusInvalidArguments
			case ops.ErrorServer:
				code = ops.StatusInternalError
			}
			op.HandleError(kind, code, msg)
			return consumed, true, nil
		}

		done, dataLen, err := p.handler.handleLine(op, line)
		if err != nil {
			return consumed, false, err
		}
		if done {
			return consumed, true, nil
		}
		if dataLen >= 0 {
			if p.maxData > 0 && dataLen > p.maxData {
				return consumed, false, fmt.Errorf("%w: data block of %d bytes exceeds the limit of %d", ops.ErrProtocol, dataLen, p.maxData)
			}
			p.reading = true
			p.data = make([]byte, dataLen+2)
			p.dataN = 0
		}
	}
	return consumed, false, nil
}

// classifyErrorLine detects the error lines by their fixed prefix
func classifyErrorLine(line string) (ops.ErrorKind, string, bool) {
	switch {
	case line == "ERROR" || strings.HasPrefix(line, "ERROR "):
		return ops.ErrorGeneral, strings.TrimSpace(strings.TrimPrefix(line, "ERROR")), true
	case strings.HasPrefix(line, "CLIENT_ERROR"):
		return ops.ErrorClient, strings.TrimSpace(strings.TrimPrefix(line, "CLIENT_ERROR")), true
	case strings.HasPrefix(line, "SERVER_ERROR"):
		return ops.ErrorServer, strings.TrimSpace(strings.TrimPrefix(line, "SERVER_ERROR")), true
	}
	return 0, "", false
}

func unexpectedLine(line string) error {
	return fmt.Errorf("%w: unexpected response line %q", ops.ErrProtocol, line)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// asciiStatusLines maps single terminal lines to status codes
type asciiStatusLines map[string]ops.StatusCode

func (h asciiStatusLines) handleLine(op *ops.Operation, line string) (bool, int, error) {
	code, ok := h[line]
	if !ok {
		return false, -1, unexpectedLine(line)
	}
	msg := ""
	if code != ops.StatusSuccess {
		msg = line
	}
	op.ReceivedStatus(ops.NewStatus(code, msg))
	return true, -1, nil
}

// asciiGet reads "VALUE <key> <flags> <bytes> [<cas>]" blocks until "END"
type asciiGet struct {
	single bool
	found  bool
	key    string
	flags  uint32
	cas    uint64
}

func (h *asciiGet) handleLine(op *ops.Operation, line string) (bool, int, error) {
	if line == "END" {
		if h.single && !h.found {
			op.ReceivedStatus(ops.NewStatus(ops.StatusNotFound, "NOT_FOUND"))
		} else {
			op.ReceivedStatus(ops.NewStatus(ops.StatusSuccess, ""))
		}
		return true, -1, nil
	}

	parts := strings.Fields(line)
	if len(parts) < 4 || len(parts) > 5 || parts[0] != "VALUE" {
		return false, -1, unexpectedLine(line)
	}
	flags, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return false, -1, unexpectedLine(line)
	}
	size, err := strconv.Atoi(parts[3])
	if err != nil || size < 0 {
		return false, -1, unexpectedLine(line)
	}
	var cas uint64
	if len(parts) == 5 {
		if cas, err = strconv.ParseUint(parts[4], 10, 64); err != nil {
			return false, -1, unexpectedLine(line)
		}
	}
	h.key, h.flags, h.cas = parts[1], uint32(flags), cas
	return false, size, nil
}

func (h *asciiGet) handleData(op *ops.Operation, data []byte) {
	h.found = true
	op.GotData(h.key, h.flags, h.cas, data)
}

// asciiMutate reads the new counter value or NOT_FOUND
type asciiMutate struct{}

func (asciiMutate) handleLine(op *ops.Operation, line string) (bool, int, error) {
	if line == "NOT_FOUND" {
		op.ReceivedStatus(ops.NewStatus(ops.StatusNotFound, line))
		return true, -1, nil
	}
	if _, err := strconv.ParseUint(line, 10, 64); err != nil {
		return false, -1, unexpectedLine(line)
	}
	op.ReceivedStatus(ops.NewStatus(ops.StatusSuccess, line))
	return true, -1, nil
}

// asciiVersion reads "VERSION <v>"
type asciiVersion struct{}

func (asciiVersion) handleLine(op *ops.Operation, line string) (bool, int, error) {
	if !strings.HasPrefix(line, "VERSION ") {
		return false, -1, unexpectedLine(line)
	}
	op.ReceivedStatus(ops.NewStatus(ops.StatusSuccess, strings.TrimPrefix(line, "VERSION ")))
	return true, -1, nil
}

// asciiStats reads "STAT <name> <value>" lines until "END"
type asciiStats struct{}

func (asciiStats) handleLine(op *ops.Operation, line string) (bool, int, error) {
	if line == "END" {
		op.ReceivedStatus(ops.NewStatus(ops.StatusSuccess, ""))
		return true, -1, nil
	}
	if !strings.HasPrefix(line, "STAT ") {
		return false, -1, unexpectedLine(line)
	}
	rest := strings.TrimPrefix(line, "STAT ")
	name, value, _ := strings.Cut(rest, " ")
	op.GotStat(name, value)
	return false, -1, nil
}
