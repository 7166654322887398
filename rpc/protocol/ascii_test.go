package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/ValentinKolb/dMC/lib/ops"
)

// asciiRequest initializes op and returns the request bytes
func asciiRequest(t *testing.T, op *ops.Operation) string {
	t.Helper()
	if err := op.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	raw := string(op.WriteRemaining())
	op.AdvanceWrite(len(raw))
	op.WriteComplete()
	return raw
}

func TestAsciiRequests(t *testing.T) {
	f := NewAsciiFactory()
	tests := []struct {
		name string
		op   *ops.Operation
		want string
	}{
		{"get", f.Get("foo", newResult()), "get foo\r\n"},
		{"gets", f.Gets("foo", newResult()), "gets foo\r\n"},
		{"multi get", f.MultiGet([]string{"a", "b", "a"}, newResult()), "get a b\r\n"},
		{"set", f.Store(StoreRequest{Type: StoreSet, Key: "k", Flags: 3, Expiration: 10, Value: []byte("hello")}, newResult()), "set k 3 10 5\r\nhello\r\n"},
		{"cas", f.Store(StoreRequest{Type: StoreCAS, Key: "k", Value: []byte("x"), CAS: 99}, newResult()), "cas k 0 0 1 99\r\nx\r\n"},
		{"append", f.Store(StoreRequest{Type: StoreAppend, Key: "k", Value: []byte("x")}, newResult()), "append k 0 0 1\r\nx\r\n"},
		{"delete", f.Delete("k", newResult()), "delete k\r\n"},
		{"incr", f.Mutate(MutateRequest{Type: MutateIncr, Key: "n", Delta: 5}, newResult()), "incr n 5\r\n"},
		{"decr", f.Mutate(MutateRequest{Type: MutateDecr, Key: "n", Delta: 1}, newResult()), "decr n 1\r\n"},
		{"flush", f.Flush(0, newResult()), "flush_all\r\n"},
		{"flush delay", f.Flush(30, newResult()), "flush_all 30\r\n"},
		{"version", f.Version(newResult()), "version\r\n"},
		{"stats", f.Stats("items", newResult()), "stats items\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asciiRequest(t, tt.op); got != tt.want {
				t.Errorf("Request = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsciiGet(t *testing.T) {
	for _, chunk := range chunkSizes {
		f := NewAsciiFactory()
		res := newResult()
		op := f.Gets("foo", res)
		asciiRequest(t, op)

		// the value contains a line break to prove data blocks are length framed
		resp := []byte("VALUE foo 12 5 8\r\nba\r\nr\r\nEND\r\n")
		if done, err := feed(t, op, resp, chunk); err != nil || !done {
			t.Fatalf("chunk %d: done=%v err=%v", chunk, done, err)
		}
		if string(res.values["foo"]) != "ba\r\nr" || res.flags["foo"] != 12 || res.cas["foo"] != 8 {
			t.Errorf("chunk %d: unexpected value %q", chunk, res.values["foo"])
		}
		if !res.last().Success || res.completed != 1 {
			t.Errorf("chunk %d: expected successful completion", chunk)
		}
	}
}

func TestAsciiGetMiss(t *testing.T) {
	res := newResult()
	op := NewAsciiFactory().Get("foo", res)
	asciiRequest(t, op)
	if done, _ := feed(t, op, []byte("END\r\n"), 0); !done {
		t.Fatalf("Response not consumed")
	}
	if res.last().Code != ops.StatusNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", res.last())
	}
}

func TestAsciiMultiGet(t *testing.T) {
	for _, chunk := range chunkSizes {
		res := newResult()
		op := NewAsciiFactory().MultiGet([]string{"a", "b", "c"}, res)
		asciiRequest(t, op)

		resp := []byte("VALUE a 0 1\r\nA\r\nVALUE c 0 2\r\nCC\r\nEND\r\n")
		if done, err := feed(t, op, resp, chunk); err != nil || !done {
			t.Fatalf("chunk %d: done=%v err=%v", chunk, done, err)
		}
		if len(res.values) != 2 || string(res.values["a"]) != "A" || string(res.values["c"]) != "CC" {
			t.Errorf("chunk %d: unexpected values %v", chunk, res.values)
		}
		if !res.last().Success {
			t.Errorf("chunk %d: expected success", chunk)
		}
	}
}

func TestAsciiStatusLines(t *testing.T) {
	f := NewAsciiFactory()
	tests := []struct {
		name string
		op   func(cb *result) *ops.Operation
		line string
		code ops.StatusCode
	}{
		{"stored", func(cb *result) *ops.Operation { return f.Store(StoreRequest{Key: "k", Value: []byte("v")}, cb) }, "STORED", ops.StatusSuccess},
		{"not stored", func(cb *result) *ops.Operation {
			return f.Store(StoreRequest{Type: StoreAdd, Key: "k", Value: []byte("v")}, cb)
		}, "NOT_STORED", ops.StatusNotStored},
		{"exists", func(cb *result) *ops.Operation {
			return f.Store(StoreRequest{Type: StoreCAS, Key: "k", Value: []byte("v")}, cb)
		}, "EXISTS", ops.StatusExists},
		{"deleted", func(cb *result) *ops.Operation { return f.Delete("k", cb) }, "DELETED", ops.StatusSuccess},
		{"delete miss", func(cb *result) *ops.Operation { return f.Delete("k", cb) }, "NOT_FOUND", ops.StatusNotFound},
		{"incr", func(cb *result) *ops.Operation { return f.Mutate(MutateRequest{Key: "n", Delta: 1}, cb) }, "11", ops.StatusSuccess},
		{"incr miss", func(cb *result) *ops.Operation { return f.Mutate(MutateRequest{Key: "n", Delta: 1}, cb) }, "NOT_FOUND", ops.StatusNotFound},
		{"flush", func(cb *result) *ops.Operation { return f.Flush(0, cb) }, "OK", ops.StatusSuccess},
		{"version", func(cb *result) *ops.Operation { return f.Version(cb) }, "VERSION 1.6.21", ops.StatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newResult()
			op := tt.op(res)
			asciiRequest(t, op)
			if done, err := feed(t, op, []byte(tt.line+"\r\n"), 1); err != nil || !done {
				t.Fatalf("done=%v err=%v", done, err)
			}
			if res.last().Code != tt.code {
				t.Errorf("Expected %s, got %v", tt.code, res.last())
			}
		})
	}
}

func TestAsciiMutateAndVersionMessages(t *testing.T) {
	f := NewAsciiFactory()

	res := newResult()
	op := f.Mutate(MutateRequest{Key: "n", Delta: 1}, res)
	asciiRequest(t, op)
	feed(t, op, []byte("11\r\n"), 0)
	if res.last().Message != "11" {
		t.Errorf("Expected counter value, got %q", res.last().Message)
	}

	res = newResult()
	op = f.Version(res)
	asciiRequest(t, op)
	feed(t, op, []byte("VERSION 1.6.21\r\n"), 0)
	if res.last().Message != "1.6.21" {
		t.Errorf("Expected version, got %q", res.last().Message)
	}
}

func TestAsciiErrorLines(t *testing.T) {
	tests := []struct {
		line string
		kind ops.ErrorKind
		msg  string
	}{
		{"ERROR", ops.ErrorGeneral, ""},
		{"CLIENT_ERROR bad data chunk", ops.ErrorClient, "bad data chunk"},
		{"SERVER_ERROR out of memory storing object", ops.ErrorServer, "out of memory storing object"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			res := newResult()
			op := NewAsciiFactory().Store(StoreRequest{Key: "k", Value: []byte("v")}, res)
			asciiRequest(t, op)
			if done, err := feed(t, op, []byte(tt.line+"\r\n"), 3); err != nil || !done {
				t.Fatalf("done=%v err=%v", done, err)
			}
			exc := op.GetException()
			if !op.HasErrored() || exc == nil || exc.Kind != tt.kind || exc.Message != tt.msg {
				t.Errorf("Unexpected exception %v", exc)
			}
			if res.last().Success || res.completed != 1 {
				t.Errorf("Expected failed completion")
			}
		})
	}
}

func TestAsciiStats(t *testing.T) {
	for _, chunk := range chunkSizes {
		res := newResult()
		op := NewAsciiFactory().Stats("", res)
		asciiRequest(t, op)
		resp := []byte("STAT pid 42\r\nSTAT version 1.6.21\r\nEND\r\n")
		if done, err := feed(t, op, resp, chunk); err != nil || !done {
			t.Fatalf("chunk %d: done=%v err=%v", chunk, done, err)
		}
		if res.stats["pid"] != "42" || res.stats["version"] != "1.6.21" {
			t.Errorf("chunk %d: unexpected stats %v", chunk, res.stats)
		}
	}
}

func TestAsciiUnexpectedLine(t *testing.T) {
	op := NewAsciiFactory().Delete("k", newResult())
	asciiRequest(t, op)
	if _, err := feed(t, op, []byte("STORED\r\n"), 0); !errors.Is(err, ops.ErrProtocol) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestAsciiResponseLimits(t *testing.T) {
	tests := []struct {
		name string
		max  int
		resp string
		ok   bool
	}{
		{"value at limit", 5, "VALUE foo 0 5\r\nhello\r\nEND\r\n", true},
		{"value over limit", 4, "VALUE foo 0 5\r\nhello\r\nEND\r\n", false},
		{"huge announced size", 0, "VALUE foo 0 2147483647\r\n", false},
		{"unterminated line", 0, strings.Repeat("x", MaxLineLength+10), false},
		{"long terminated line", 0, strings.Repeat("x", MaxLineLength+10) + "\r\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, chunk := range chunkSizes {
				op := NewAsciiFactory(WithMaxItemSize(tt.max)).Get("foo", newResult())
				asciiRequest(t, op)
				done, err := feed(t, op, []byte(tt.resp), chunk)
				if tt.ok && (err != nil || !done) {
					t.Fatalf("chunk %d: done=%v err=%v", chunk, done, err)
				}
				if !tt.ok && !errors.Is(err, ops.ErrProtocol) {
					t.Fatalf("chunk %d: expected protocol error, got %v", chunk, err)
				}
			}
		})
	}
}

func TestAsciiSaslUnsupported(t *testing.T) {
	if _, err := NewAsciiFactory().SaslAuth("PLAIN", nil, newResult()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
}

func TestAsciiOptimize(t *testing.T) {
	f := NewAsciiFactory()
	resA, resB := newResult(), newResult()
	merged := f.Optimize([]*ops.Operation{f.Get("a", resA), f.Get("b", resB)})
	if got := asciiRequest(t, merged); got != "get a b\r\n" {
		t.Fatalf("Unexpected merged request %q", got)
	}
	feed(t, merged, []byte("VALUE b 0 1\r\nB\r\nEND\r\n"), 0)
	if string(resB.values["b"]) != "B" || !resB.last().Success {
		t.Errorf("Expected value for b")
	}
	if resA.last().Code != ops.StatusNotFound || resA.completed != 1 {
		t.Errorf("Expected NOT_FOUND for a, got %v", resA.statuses)
	}
}
