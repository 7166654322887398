package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("memcached/protocol")

var (
	// ErrInvalidKey is returned for keys the server would reject
	ErrInvalidKey = errors.New("invalid key")
	// ErrNotSupported is returned for commands the protocol cannot express
	ErrNotSupported = errors.New("command not supported by protocol")
)

// MaxKeyLength is the longest key memcached accepts
const MaxKeyLength = 250

// MaxLineLength bounds a line of the ascii protocol, memcached uses the same limit
const MaxLineLength = 2048

// DefaultMaxItemSize is the item size limit of a memcached server with default settings
const DefaultMaxItemSize = 1 << 20

// NoCreate as mutate expiration tells the server not to create a missing counter
const NoCreate uint32 = 0xffffffff

// --------------------------------------------------------------------------
// Request Types
// --------------------------------------------------------------------------

// StoreType selects the store command
type StoreType uint8

const (
	StoreSet StoreType = iota
	StoreAdd
	StoreReplace
	StoreAppend
	StorePrepend
	StoreCAS
)

// String returns the ascii command name of the store type
func (s StoreType) String() string {
	switch s {
	case StoreSet:
		return "set"
	case StoreAdd:
		return "add"
	case StoreReplace:
		return "replace"
	case StoreAppend:
		return "append"
	case StorePrepend:
		return "prepend"
	case StoreCAS:
		return "cas"
	default:
		return fmt.Sprintf("StoreType(%d)", uint8(s))
	}
}

// StoreRequest describes set, add, replace, append, prepend and cas.
// Flags and Expiration are ignored by append and prepend.
type StoreRequest struct {
	Type       StoreType
	Key        string
	Flags      uint32
	Expiration uint32
	Value      []byte
	CAS        uint64 // only used by StoreCAS
}

// MutateType selects incr or decr
type MutateType uint8

const (
	MutateIncr MutateType = iota
	MutateDecr
)

// String returns the ascii command name of the mutate type
func (m MutateType) String() string {
	if m == MutateDecr {
		return "decr"
	}
	return "incr"
}

// MutateRequest describes incr and decr. The binary protocol creates a missing
// counter with Initial unless Expiration is NoCreate; the ascii protocol never creates.
type MutateRequest struct {
	Type       MutateType
	Key        string
	Delta      uint64
	Initial    uint64
	Expiration uint32
}

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IOperationFactory builds operations for one wire protocol. Results are reported
// through the callbacks:
//
//   - get style commands report values via GotData and a final status
//     (NOT_FOUND for a missing single key)
//   - store commands report the new CAS value in Status.CAS (binary only)
//   - mutate reports the new counter value as decimal string in Status.Message
//   - version reports the server version in Status.Message
//   - stats report every statistic via GotStat
//   - sasl commands report mechanisms or the server challenge in Status.Message
type IOperationFactory interface {
	// Name returns the protocol name ("binary" or "ascii")
	Name() string

	Get(key string, cb ops.GetCallback) *ops.Operation
	Gets(key string, cb ops.GetCallback) *ops.Operation
	MultiGet(keys []string, cb ops.GetCallback) *ops.Operation
	Store(req StoreRequest, cb ops.Callback) *ops.Operation
	Delete(key string, cb ops.Callback) *ops.Operation
	Mutate(req MutateRequest, cb ops.Callback) *ops.Operation
	Flush(delay uint32, cb ops.Callback) *ops.Operation
	Version(cb ops.Callback) *ops.Operation
	Stats(arg string, cb ops.StatsCallback) *ops.Operation
	Noop(cb ops.Callback) *ops.Operation

	SaslMechs(cb ops.Callback) (*ops.Operation, error)
	SaslAuth(mechanism string, data []byte, cb ops.Callback) (*ops.Operation, error)
	SaslStep(mechanism string, data []byte, cb ops.Callback) (*ops.Operation, error)

	// Optimize merges single key get operations into one multi key request.
	// The originals are finished through an ops.ProxyCallback once the merged
	// operation was answered. The batch must contain at least two operations.
	Optimize(batch []*ops.Operation) *ops.Operation

	// ValidateKey checks whether the key can be sent with this protocol
	ValidateKey(key string) error
}

// --------------------------------------------------------------------------
// Factory Options
// --------------------------------------------------------------------------

// FactoryOption configures an operation factory
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	maxItemSize int
}

// WithMaxItemSize limits the size of a value the factory accepts in a response.
// Larger values are rejected with ops.ErrProtocol before any buffer is allocated.
func WithMaxItemSize(size int) FactoryOption {
	return func(o *factoryOptions) {
		if size > 0 {
			o.maxItemSize = size
		}
	}
}

func applyFactoryOptions(opts []FactoryOption) factoryOptions {
	o := factoryOptions{maxItemSize: DefaultMaxItemSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewFactory creates the operation factory for a protocol name.
// opaques may be nil for the ascii protocol.
func NewFactory(name string, opaques *ops.OpaqueGenerator, opts ...FactoryOption) (IOperationFactory, error) {
	switch strings.ToLower(name) {
	case "binary", "bin":
		if opaques == nil {
			opaques = ops.NewOpaqueGenerator(0)
		}
		return NewBinaryFactory(opaques, opts...), nil
	case "ascii", "text":
		return NewAsciiFactory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q (must be one of binary, ascii)", name)
	}
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// validateKey checks the length and, for the line protocol, forbids whitespace
// and control characters
func validateKey(key string, allowSpaces bool) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key is %d bytes long, max is %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	if allowSpaces {
		return nil
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return fmt.Errorf("%w: key contains whitespace or control character at %d", ErrInvalidKey, i)
		}
	}
	return nil
}

// uniqueKeys returns keys without duplicates in first occurrence order
func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// mergeGets builds a merged multi get for a batch of get operations
func mergeGets(f IOperationFactory, batch []*ops.Operation) *ops.Operation {
	proxy := ops.NewProxyCallback()
	for _, op := range batch {
		proxy.Add(op)
	}
	merged := f.MultiGet(proxy.Keys(), proxy)
	proxy.Bind(merged)

	// the merged request expires with its oldest part
	oldest := batch[0].CreationTime()
	for _, op := range batch[1:] {
		if op.CreationTime().Before(oldest) {
			oldest = op.CreationTime()
		}
	}
	merged.SetCreationTime(oldest)
	Logger.Debugf("merged %d get operations into one request for %d keys", len(batch), len(proxy.Keys()))
	return merged
}
