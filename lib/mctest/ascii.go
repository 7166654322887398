package mctest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dMC/rpc/protocol"
)

var asciiStoreTypes = map[string]protocol.StoreType{
	"set":     protocol.StoreSet,
	"add":     protocol.StoreAdd,
	"replace": protocol.StoreReplace,
	"append":  protocol.StoreAppend,
	"prepend": protocol.StorePrepend,
	"cas":     protocol.StoreCAS,
}

// handleAscii reads one ascii command (and its data block) and writes the response
func (s *session) handleAscii(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	if len(line) > protocol.MaxLineLength {
		return s.line("CLIENT_ERROR line too long")
	}
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) == 0 {
		return s.line("ERROR")
	}

	st := s.server.store
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "get", "gets":
		if len(args) == 0 {
			return s.line("ERROR")
		}
		for _, key := range args {
			it, ok := st.Get(key)
			if !ok {
				continue
			}
			header := fmt.Sprintf("VALUE %s %d %d", key, it.Flags, len(it.Value))
			if cmd == "gets" {
				header += " " + strconv.FormatUint(it.CAS, 10)
			}
			if err := s.line(header); err != nil {
				return err
			}
			if err := s.data(it.Value); err != nil {
				return err
			}
		}
		return s.line("END")

	case "set", "add", "replace", "append", "prepend", "cas":
		return s.asciiStore(r, asciiStoreTypes[cmd], args)

	case "delete":
		if len(args) == 0 {
			return s.line("ERROR")
		}
		noreply := args[len(args)-1] == "noreply"
		found := st.Delete(args[0])
		if noreply {
			return nil
		}
		if !found {
			return s.line("NOT_FOUND")
		}
		return s.line("DELETED")

	case "incr", "decr":
		if len(args) < 2 {
			return s.line("ERROR")
		}
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return s.line("CLIENT_ERROR invalid numeric delta argument")
		}
		value, _, result := st.Mutate(args[0], cmd == "incr", delta, 0, 0, false)
		switch result {
		case ResultNotFound:
			return s.line("NOT_FOUND")
		case ResultNonNumeric:
			return s.line("CLIENT_ERROR cannot increment or decrement non-numeric value")
		}
		return s.line(strconv.FormatUint(value, 10))

	case "flush_all":
		var delay uint64
		if len(args) > 0 && args[0] != "noreply" {
			if delay, err = strconv.ParseUint(args[0], 10, 32); err != nil {
				return s.line("CLIENT_ERROR bad command line format")
			}
		}
		st.Flush(uint32(delay))
		return s.line("OK")

	case "version":
		return s.line("VERSION " + s.server.config.Version)

	case "stats":
		for _, stat := range st.Stats() {
			if err := s.line("STAT " + stat[0] + " " + stat[1]); err != nil {
				return err
			}
		}
		return s.line("END")

	case "quit":
		s.keepOpen = false
		return nil

	default:
		return s.line("ERROR")
	}
}

// asciiStore handles "<cmd> <key> <flags> <exptime> <bytes> [cas] [noreply]"
func (s *session) asciiStore(r *bufio.Reader, t protocol.StoreType, args []string) error {
	need := 4
	if t == protocol.StoreCAS {
		need = 5
	}
	if len(args) < need {
		return s.line("ERROR")
	}

	key := args[0]
	flags, err1 := strconv.ParseUint(args[1], 10, 32)
	exptime, err2 := strconv.ParseUint(args[2], 10, 32)
	size, err3 := strconv.Atoi(args[3])
	var cas uint64
	var err4 error
	if t == protocol.StoreCAS {
		cas, err4 = strconv.ParseUint(args[4], 10, 64)
	}
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || size < 0 {
		return s.line("CLIENT_ERROR bad command line format")
	}
	noreply := args[len(args)-1] == "noreply" && len(args) > need

	block := make([]byte, size+2)
	if _, err := io.ReadFull(r, block); err != nil {
		return err
	}
	if block[size] != '\r' || block[size+1] != '\n' {
		return s.line("CLIENT_ERROR bad data chunk")
	}
	if len(key) > protocol.MaxKeyLength {
		return s.line("CLIENT_ERROR key too long")
	}

	result, _ := s.server.store.Store(t, key, block[:size], uint32(flags), uint32(exptime), cas)
	if noreply {
		return nil
	}
	switch result {
	case ResultStored:
		return s.line("STORED")
	case ResultExists:
		return s.line("EXISTS")
	case ResultNotFound:
		return s.line("NOT_FOUND")
	default:
		return s.line("NOT_STORED")
	}
}

func (s *session) line(l string) error {
	if _, err := s.w.WriteString(l); err != nil {
		return err
	}
	_, err := s.w.WriteString("\r\n")
	return err
}

func (s *session) data(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err := s.w.WriteString("\r\n")
	return err
}
