package client

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/transport"
	"github.com/ValentinKolb/dMC/rpc/transport/tcp"
	"github.com/ValentinKolb/dMC/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("memcached/client")

// ConnectorFor returns the client connector of a transport name ("tcp" or "unix")
func ConnectorFor(name string) (transport.IClientConnector, error) {
	switch strings.ToLower(name) {
	case "", "tcp":
		return tcp.NewClientConnector(), nil
	case "unix":
		return unix.NewClientConnector(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (must be tcp or unix)", name)
	}
}

// operationError returns the error attached to a finished operation, or nil if the
// operation completed regularly (a failed status such as NOT_FOUND is no error)
func operationError(op *ops.Operation) error {
	if op == nil {
		return nil
	}
	exc := op.GetException()
	if exc == nil {
		return nil
	}
	if op.IsCancelled() || op.IsTimedOutFlag() || op.HasErrored() {
		return fmt.Errorf("%s on %s failed: %w", op.Kind(), op.HandlingNode(), exc)
	}
	return nil
}

// statusOf synthesises the status of operations that never received one
func statusOf(op *ops.Operation, received *ops.Status) ops.Status {
	switch {
	case op.IsCancelled():
		return ops.NewStatus(ops.StatusCancelled, "cancelled")
	case op.IsTimedOutFlag():
		return ops.NewStatus(ops.StatusTimedOut, "timed out")
	case received != nil:
		return *received
	default:
		return ops.Status{}
	}
}

// parseCounter reads the counter value reported by incr and decr
func parseCounter(status ops.Status) uint64 {
	if !status.Success {
		return 0
	}
	v, err := strconv.ParseUint(status.Message, 10, 64)
	if err != nil {
		Logger.Warningf("Invalid counter value %q: %v", status.Message, err)
		return 0
	}
	return v
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return bytes.Clone(b)
}
