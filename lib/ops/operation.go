package ops

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------
// Interface Definitions for protocol implementations
// -----------------------------------------------------------

// Payload is the per-command part of an operation. The binary and ascii
// protocol packages implement one Payload per command kind.
type Payload interface {
	// Encode returns the complete wire request
	Encode(op *Operation) ([]byte, error)

	// ReadFrom consumes bytes of the response stream. It returns the number of bytes
	// consumed and whether the response of this operation was fully read.
	// Results are reported through the delivery methods of op.
	ReadFrom(op *Operation, b []byte) (n int, done bool, err error)

	// Keys returns the keys addressed by the command (nil for broadcast commands)
	Keys() []string
}

// CancelHook is an optional Payload extension called once when the operation is cancelled
type CancelHook interface {
	OnCancel(op *Operation)
}

// -----------------------------------------------------------
// Operation
// -----------------------------------------------------------

// Operation is one in-flight command
type Operation struct {
	kind     Kind
	payload  Payload
	callback Callback

	mu          sync.Mutex
	state       atomic.Int32
	buf         []byte
	pos         int
	readStarted bool
	errored     bool
	exception   *OperationError

	cancelled atomic.Bool
	timedOut  atomic.Bool
	completed atomic.Bool

	opaque       uint32
	creationTime time.Time
	handlingNode atomic.Value // string
}

// New creates an operation in the WRITING state
func New(kind Kind, payload Payload, callback Callback) *Operation {
	if callback == nil {
		callback = &CallbackFuncs{}
	}
	op := &Operation{
		kind:         kind,
		payload:      payload,
		callback:     callback,
		creationTime: time.Now(),
	}
	op.state.Store(int32(StateWriting))
	return op
}

// --------------------------------------------------------------------------
// Write Side (called by the producer once, then by the I/O goroutine)
// --------------------------------------------------------------------------

// Initialize encodes the request into the write buffer.
// A cancelled operation keeps an empty buffer and is never written.
func (o *Operation) Initialize() error {
	if o.cancelled.Load() {
		return nil
	}
	b, err := o.payload.Encode(o)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", o.kind, err)
	}
	o.mu.Lock()
	if !o.State().IsTerminal() {
		o.buf = b
		o.pos = 0
	}
	o.mu.Unlock()
	return nil
}

// WriteRemaining returns the bytes that still have to be written
func (o *Operation) WriteRemaining() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf == nil {
		return nil
	}
	return o.buf[o.pos:]
}

// AdvanceWrite marks n more bytes as copied to the node write buffer
func (o *Operation) AdvanceWrite(n int) {
	o.mu.Lock()
	o.pos += n
	o.mu.Unlock()
}

// WriteStarted reports whether a part of the request was already handed to the node
func (o *Operation) WriteStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pos > 0
}

// ResetWrite rewinds the write position so the full request is sent again
// on a new connection
func (o *Operation) ResetWrite() {
	o.mu.Lock()
	o.pos = 0
	o.mu.Unlock()
}

// WriteComplete moves the operation from WRITING to READING.
// Terminal operations keep their state.
func (o *Operation) WriteComplete() {
	o.state.CompareAndSwap(int32(StateWriting), int32(StateReading))
}

// --------------------------------------------------------------------------
// Read Side (called by the I/O goroutine)
// --------------------------------------------------------------------------

// ReadFromBuffer feeds response bytes to the operation. Once the full response
// was parsed the operation transitions to COMPLETE. Operations that already reached
// a terminal state (timed out) or were cancelled still consume their response
// to keep the stream framing intact, but no longer deliver results.
func (o *Operation) ReadFromBuffer(b []byte) (int, bool, error) {
	o.mu.Lock()
	o.readStarted = true
	o.mu.Unlock()

	n, done, err := o.payload.ReadFrom(o, b)
	if err != nil {
		return n, done, err
	}
	if done {
		o.transition(StateComplete)
	}
	return n, done, nil
}

// ReadStarted reports whether any response byte was fed to the operation
func (o *Operation) ReadStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readStarted
}

// --------------------------------------------------------------------------
// Delivery Methods (used by payloads and proxies)
// --------------------------------------------------------------------------

// silenced reports whether results must no longer reach the callback
func (o *Operation) silenced() bool {
	return o.cancelled.Load() || o.timedOut.Load() || o.completed.Load()
}

// ReceivedStatus forwards a status to the callback
func (o *Operation) ReceivedStatus(status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.silenced() {
		return
	}
	o.callback.ReceivedStatus(status)
}

// GotData forwards a value to the callback if it accepts values
func (o *Operation) GotData(key string, flags uint32, cas uint64, data []byte) {
	cb, ok := o.callback.(GetCallback)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.silenced() {
		return
	}
	cb.GotData(key, flags, cas, data)
}

// GotStat forwards a statistic to the callback if it accepts statistics
func (o *Operation) GotStat(name, value string) {
	cb, ok := o.callback.(StatsCallback)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.silenced() {
		return
	}
	cb.GotStat(name, value)
}

// HandleError attaches a protocol error (GENERAL, CLIENT or SERVER) and reports a
// failed status with the given code. The caller finishes the operation as usual.
func (o *Operation) HandleError(kind ErrorKind, code StatusCode, message string) {
	o.mu.Lock()
	o.errored = true
	o.setExceptionLocked(NewOperationError(kind, message, nil))
	o.mu.Unlock()

	o.ReceivedStatus(NewStatus(code, message))
}

// Finish completes an operation that is not driven by its own payload
// (e.g. an original get that was merged into an optimized request)
func (o *Operation) Finish() {
	o.transition(StateComplete)
}

// --------------------------------------------------------------------------
// Cancellation and Timeouts (any goroutine)
// --------------------------------------------------------------------------

// Cancel cancels the operation. It is idempotent and returns true if the operation
// is cancelled after the call. A finished operation cannot be cancelled.
// Waiters are released through Complete(); no status is reported.
func (o *Operation) Cancel() bool {
	if o.State().IsTerminal() || o.completed.Load() {
		return o.cancelled.Load()
	}
	if !o.cancelled.CompareAndSwap(false, true) {
		return true
	}

	o.mu.Lock()
	o.setExceptionLocked(NewOperationError(ErrorCancelled, "cancelled", nil))
	if o.pos == 0 {
		o.buf = nil
	}
	o.mu.Unlock()

	if hook, ok := o.payload.(CancelHook); ok {
		hook.OnCancel(o)
	}
	o.fireComplete()
	return true
}

// CancelWithCause cancels the operation recording why (e.g. the connection was lost)
func (o *Operation) CancelWithCause(kind ErrorKind, cause error) bool {
	if o.State().IsTerminal() || o.completed.Load() || o.cancelled.Load() {
		return o.cancelled.Load()
	}
	o.mu.Lock()
	o.setExceptionLocked(NewOperationError(kind, "cancelled", cause))
	o.mu.Unlock()
	return o.Cancel()
}

// IsTimedOut applies the timeout policy. Once an operation timed out it stays timed
// out, even if a later check uses a larger ttl. An operation times out if it is older
// than ttl and no byte of its response was read yet.
func (o *Operation) IsTimedOut(ttl time.Duration) bool {
	if o.timedOut.Load() {
		return true
	}
	if o.cancelled.Load() || o.completed.Load() {
		return false
	}

	o.mu.Lock()
	if o.readStarted || time.Since(o.creationTime) <= ttl {
		o.mu.Unlock()
		return false
	}
	o.markTimedOutLocked(ttl)
	o.mu.Unlock()

	o.fireComplete()
	return true
}

// TimeOut forces the operation into TIMEDOUT, used when a waiter gave up
func (o *Operation) TimeOut() {
	if o.timedOut.Load() || o.cancelled.Load() || o.completed.Load() {
		return
	}
	o.mu.Lock()
	o.markTimedOutLocked(time.Since(o.creationTime))
	o.mu.Unlock()
	o.fireComplete()
}

// markTimedOutLocked must be called with o.mu held
func (o *Operation) markTimedOutLocked(after time.Duration) {
	o.timedOut.Store(true)
	o.state.Store(int32(StateTimedOut))
	o.setExceptionLocked(NewOperationError(ErrorTimeout, fmt.Sprintf("%s timed out after %s", o.kind, after), nil))
	// a partially written request must still be finished to keep the stream intact
	if o.pos == 0 || o.pos >= len(o.buf) {
		o.buf = nil
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// transition moves the operation into a terminal state. Re-entering a terminal
// state is a no-op; Complete() fires at most once.
func (o *Operation) transition(target State) {
	o.mu.Lock()
	current := o.State()
	if !current.IsTerminal() {
		o.state.Store(int32(target))
		if target.IsTerminal() && (o.pos == 0 || o.pos >= len(o.buf)) {
			o.buf = nil
		}
	}
	o.mu.Unlock()

	if target.IsTerminal() {
		o.fireComplete()
	}
}

func (o *Operation) fireComplete() {
	if o.completed.CompareAndSwap(false, true) {
		o.callback.Complete()
	}
}

func (o *Operation) setExceptionLocked(err *OperationError) {
	if o.exception == nil {
		o.exception = err
	}
}

// --------------------------------------------------------------------------
// Getters
// --------------------------------------------------------------------------

// State returns the current state
func (o *Operation) State() State {
	return State(o.state.Load())
}

// Kind returns the command kind
func (o *Operation) Kind() Kind {
	return o.kind
}

// Keys returns the keys addressed by the operation
func (o *Operation) Keys() []string {
	return o.payload.Keys()
}

// Payload returns the per-command payload
func (o *Operation) Payload() Payload {
	return o.payload
}

// Callback returns the callback shared with the caller
func (o *Operation) Callback() Callback {
	return o.callback
}

// IsCancelled reports whether the operation was cancelled
func (o *Operation) IsCancelled() bool {
	return o.cancelled.Load()
}

// IsTimedOutFlag reports whether the operation timed out, without applying the policy
func (o *Operation) IsTimedOutFlag() bool {
	return o.timedOut.Load()
}

// IsCompleted reports whether Complete() already fired
func (o *Operation) IsCompleted() bool {
	return o.completed.Load()
}

// HasErrored reports whether a protocol error was attached
func (o *Operation) HasErrored() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errored
}

// GetException returns the attached error (nil if none)
func (o *Operation) GetException() *OperationError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exception
}

// CreationTime returns when the operation was created
func (o *Operation) CreationTime() time.Time {
	return o.creationTime
}

// SetCreationTime moves the start of the timeout window. It must be called before
// the operation is queued, e.g. to let a merged request inherit the age of its parts.
func (o *Operation) SetCreationTime(t time.Time) {
	o.creationTime = t
}

// SetHandlingNode records the name of the node the operation was queued on
func (o *Operation) SetHandlingNode(name string) {
	o.handlingNode.Store(name)
}

// HandlingNode returns the name of the node the operation was queued on
func (o *Operation) HandlingNode() string {
	if v, ok := o.handlingNode.Load().(string); ok {
		return v
	}
	return ""
}

// SetOpaque records the correlation id of the request (informational)
func (o *Operation) SetOpaque(opaque uint32) {
	o.opaque = opaque
}

// Opaque returns the correlation id of the request
func (o *Operation) Opaque() uint32 {
	return o.opaque
}

// String returns a short description used in log messages
func (o *Operation) String() string {
	return fmt.Sprintf("%s{state=%s, opaque=%d, keys=%v}", o.kind, o.State(), o.opaque, o.Keys())
}
