package ops

// --------------------------------------------------------------------------
// Operation State
// --------------------------------------------------------------------------

// State is the protocol state of an operation
type State int32

const (
	StateWriting  State = iota // request bytes are queued or partially written
	StateReading               // request written, waiting for the response
	StateComplete              // response fully read (or operation finished otherwise)
	StateTimedOut              // deadline exceeded before a response was read
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateWriting:
		return "WRITING"
	case StateReading:
		return "READING"
	case StateComplete:
		return "COMPLETE"
	case StateTimedOut:
		return "TIMEDOUT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition can leave this state
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateTimedOut
}

// --------------------------------------------------------------------------
// Operation Kind
// --------------------------------------------------------------------------

// Kind identifies the command carried by an operation
type Kind uint8

const (
	KindGet Kind = iota
	KindGets
	KindMultiGet
	KindStore
	KindDelete
	KindMutate
	KindFlush
	KindVersion
	KindStats
	KindNoop
	KindSaslMechs
	KindSaslAuth
	KindSaslStep
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindGets:
		return "gets"
	case KindMultiGet:
		return "multi-get"
	case KindStore:
		return "store"
	case KindDelete:
		return "delete"
	case KindMutate:
		return "mutate"
	case KindFlush:
		return "flush"
	case KindVersion:
		return "version"
	case KindStats:
		return "stats"
	case KindNoop:
		return "noop"
	case KindSaslMechs:
		return "sasl-mechs"
	case KindSaslAuth:
		return "sasl-auth"
	case KindSaslStep:
		return "sasl-step"
	default:
		return "unknown"
	}
}

// IsKeyed reports whether operations of this kind are routed by key
func (k Kind) IsKeyed() bool {
	switch k {
	case KindGet, KindGets, KindMultiGet, KindStore, KindDelete, KindMutate:
		return true
	default:
		return false
	}
}
