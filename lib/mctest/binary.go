package mctest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/dMC/rpc/protocol"
)

// handleBinary reads one binary request and writes its response(s)
func (s *session) handleBinary(r *bufio.Reader) error {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	bodyLen := int(binary.BigEndian.Uint32(header[8:12]))
	raw := make([]byte, protocol.HeaderSize+bodyLen)
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[protocol.HeaderSize:]); err != nil {
		return err
	}

	_, req, err := s.frames.Feed(raw)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("incomplete binary request")
	}
	return s.dispatchBinary(req)
}

func (s *session) dispatchBinary(req *protocol.BinaryFrame) error {
	st := s.server.store
	key := string(req.Key)

	if !s.authed {
		switch req.Opcode {
		case protocol.OpSaslList, protocol.OpSaslAuth, protocol.OpSaslStep, protocol.OpVersion, protocol.OpNoop, protocol.OpQuit:
		default:
			return s.reply(req, protocol.BinStatusAuthError, nil, nil, []byte("Auth failure"), 0)
		}
	}

	switch req.Opcode {
	case protocol.OpGet, protocol.OpGetQ, protocol.OpGetK, protocol.OpGetKQ:
		quiet := req.Opcode == protocol.OpGetQ || req.Opcode == protocol.OpGetKQ
		withKey := req.Opcode == protocol.OpGetK || req.Opcode == protocol.OpGetKQ
		var respKey []byte
		if withKey {
			respKey = req.Key
		}
		it, ok := st.Get(key)
		if !ok {
			if quiet {
				return nil
			}
			return s.reply(req, protocol.BinStatusKeyNotFound, nil, respKey, []byte("Not found"), 0)
		}
		extras := make([]byte, 4)
		binary.BigEndian.PutUint32(extras, it.Flags)
		return s.reply(req, protocol.BinStatusOK, extras, respKey, it.Value, it.CAS)

	case protocol.OpSet, protocol.OpAdd, protocol.OpReplace:
		if len(req.Extras) != 8 {
			return s.reply(req, protocol.BinStatusInvalidArgs, nil, nil, []byte("Invalid arguments"), 0)
		}
		flags := binary.BigEndian.Uint32(req.Extras[0:4])
		exptime := binary.BigEndian.Uint32(req.Extras[4:8])
		t := protocol.StoreSet
		switch req.Opcode {
		case protocol.OpAdd:
			t = protocol.StoreAdd
		case protocol.OpReplace:
			t = protocol.StoreReplace
		}
		result, cas := st.Store(t, key, req.Value, flags, exptime, req.CAS)
		return s.replyStore(req, result, cas)

	case protocol.OpAppend, protocol.OpPrepend:
		t := protocol.StoreAppend
		if req.Opcode == protocol.OpPrepend {
			t = protocol.StorePrepend
		}
		result, cas := st.Store(t, key, req.Value, 0, 0, req.CAS)
		return s.replyStore(req, result, cas)

	case protocol.OpDelete:
		if !st.Delete(key) {
			return s.reply(req, protocol.BinStatusKeyNotFound, nil, nil, []byte("Not found"), 0)
		}
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, 0)

	case protocol.OpIncrement, protocol.OpDecrement:
		if len(req.Extras) != 20 {
			return s.reply(req, protocol.BinStatusInvalidArgs, nil, nil, []byte("Invalid arguments"), 0)
		}
		delta := binary.BigEndian.Uint64(req.Extras[0:8])
		initial := binary.BigEndian.Uint64(req.Extras[8:16])
		exptime := binary.BigEndian.Uint32(req.Extras[16:20])
		value, cas, result := st.Mutate(key, req.Opcode == protocol.OpIncrement, delta, initial, exptime, exptime != protocol.NoCreate)
		switch result {
		case ResultNotFound:
			return s.reply(req, protocol.BinStatusKeyNotFound, nil, nil, []byte("Not found"), 0)
		case ResultNonNumeric:
			return s.reply(req, protocol.BinStatusNonNumeric, nil, nil, []byte("Non-numeric server-side value for incr or decr"), 0)
		}
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, value)
		return s.reply(req, protocol.BinStatusOK, nil, nil, body, cas)

	case protocol.OpFlush:
		var delay uint32
		if len(req.Extras) == 4 {
			delay = binary.BigEndian.Uint32(req.Extras)
		}
		st.Flush(delay)
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, 0)

	case protocol.OpNoop:
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, 0)

	case protocol.OpVersion:
		return s.reply(req, protocol.BinStatusOK, nil, nil, []byte(s.server.config.Version), 0)

	case protocol.OpStat:
		for _, stat := range st.Stats() {
			if err := s.reply(req, protocol.BinStatusOK, nil, []byte(stat[0]), []byte(stat[1]), 0); err != nil {
				return err
			}
		}
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, 0)

	case protocol.OpQuit:
		s.keepOpen = false
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, 0)

	case protocol.OpSaslList:
		return s.reply(req, protocol.BinStatusOK, nil, nil, []byte("PLAIN"), 0)

	case protocol.OpSaslAuth:
		if key != "PLAIN" || !s.checkPlain(req.Value) {
			return s.reply(req, protocol.BinStatusAuthError, nil, nil, []byte("Auth failure"), 0)
		}
		s.authed = true
		return s.reply(req, protocol.BinStatusOK, nil, nil, []byte("Authenticated"), 0)

	case protocol.OpSaslStep:
		return s.reply(req, protocol.BinStatusAuthError, nil, nil, []byte("Auth failure"), 0)

	default:
		return s.reply(req, protocol.BinStatusUnknownCommand, nil, nil, []byte("Unknown command"), 0)
	}
}

func (s *session) replyStore(req *protocol.BinaryFrame, result Result, cas uint64) error {
	switch result {
	case ResultStored:
		return s.reply(req, protocol.BinStatusOK, nil, nil, nil, cas)
	case ResultExists:
		return s.reply(req, protocol.BinStatusKeyExists, nil, nil, []byte("Data exists for key."), 0)
	case ResultNotFound:
		return s.reply(req, protocol.BinStatusKeyNotFound, nil, nil, []byte("Not found"), 0)
	default:
		return s.reply(req, protocol.BinStatusNotStored, nil, nil, []byte("Not stored."), 0)
	}
}

// checkPlain validates a SASL PLAIN message "authzid\x00user\x00password"
func (s *session) checkPlain(data []byte) bool {
	parts := bytes.Split(data, []byte{0})
	if len(parts) != 3 {
		return false
	}
	cfg := s.server.config
	return cfg.SaslUser != "" && string(parts[1]) == cfg.SaslUser && string(parts[2]) == cfg.SaslPassword
}

// reply writes a response frame echoing opcode and opaque of the request
func (s *session) reply(req *protocol.BinaryFrame, status uint16, extras, key, value []byte, cas uint64) error {
	resp := &protocol.BinaryFrame{
		Magic:  protocol.MagicResponse,
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
		CAS:    cas,
		Extras: extras,
		Key:    key,
		Value:  value,
	}
	_, err := s.w.Write(resp.Encode())
	return err
}
