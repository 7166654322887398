package ops

import "sync"

// ProxyCallback is the callback of a merged get request. It dispatches every value
// to the original operations that asked for the key and finishes each original once
// all of its keys were answered, or when the merged request completes.
type ProxyCallback struct {
	mu        sync.Mutex
	merged    *Operation
	keys      []string
	byKey     map[string][]*Operation
	remaining map[*Operation]int
	originals []*Operation
	failure   *Status
}

// NewProxyCallback creates an empty proxy
func NewProxyCallback() *ProxyCallback {
	return &ProxyCallback{
		byKey:     make(map[string][]*Operation),
		remaining: make(map[*Operation]int),
	}
}

// Add registers an original operation with all of its keys
func (p *ProxyCallback) Add(op *Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.originals = append(p.originals, op)
	seen := make(map[string]struct{})
	for _, key := range op.Keys() {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, known := p.byKey[key]; !known {
			p.keys = append(p.keys, key)
		}
		p.byKey[key] = append(p.byKey[key], op)
		p.remaining[op]++
	}
}

// Bind attaches the merged operation whose outcome decides how unanswered
// originals are finished
func (p *ProxyCallback) Bind(merged *Operation) {
	p.mu.Lock()
	p.merged = merged
	p.mu.Unlock()
}

// Keys returns the distinct keys of all originals in registration order
func (p *ProxyCallback) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Originals returns the operations merged into this proxy
func (p *ProxyCallback) Originals() []*Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Operation, len(p.originals))
	copy(out, p.originals)
	return out
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

func (p *ProxyCallback) GotData(key string, flags uint32, cas uint64, data []byte) {
	p.mu.Lock()
	targets := p.byKey[key]
	delete(p.byKey, key)
	var finished []*Operation
	for _, op := range targets {
		p.remaining[op]--
		if p.remaining[op] <= 0 {
			delete(p.remaining, op)
			finished = append(finished, op)
		}
	}
	p.mu.Unlock()

	for _, op := range targets {
		op.GotData(key, flags, cas, data)
	}
	for _, op := range finished {
		op.ReceivedStatus(NewStatus(StatusSuccess, ""))
		op.Finish()
	}
}

func (p *ProxyCallback) ReceivedStatus(status Status) {
	if status.Success || status.Code == StatusNotFound {
		return
	}
	p.mu.Lock()
	if p.failure == nil {
		p.failure = &status
	}
	p.mu.Unlock()
}

func (p *ProxyCallback) Complete() {
	p.mu.Lock()
	merged := p.merged
	failure := p.failure
	pending := make([]*Operation, 0, len(p.remaining))
	for _, op := range p.originals {
		if _, ok := p.remaining[op]; ok {
			pending = append(pending, op)
		}
	}
	p.remaining = make(map[*Operation]int)
	p.byKey = make(map[string][]*Operation)
	p.mu.Unlock()

	for _, op := range pending {
		switch {
		case merged != nil && merged.IsCancelled():
			exc := merged.GetException()
			if exc != nil && exc.Kind != ErrorCancelled {
				op.CancelWithCause(exc.Kind, exc.Cause)
			} else {
				op.Cancel()
			}
		case merged != nil && merged.IsTimedOutFlag():
			op.TimeOut()
		case merged != nil && merged.HasErrored():
			exc := merged.GetException()
			code := StatusError
			if failure != nil {
				code = failure.Code
			}
			op.HandleError(exc.Kind, code, exc.Message)
			op.Finish()
		case failure != nil:
			op.ReceivedStatus(*failure)
			op.Finish()
		default:
			op.ReceivedStatus(NewStatus(StatusNotFound, "not found"))
			op.Finish()
		}
	}
}
