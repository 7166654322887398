package ops

// --------------------------------------------------------------------------
// Callback Interfaces
// --------------------------------------------------------------------------

// Callback receives the outcome of an operation
type Callback interface {
	// ReceivedStatus is called with the final status of the command.
	// It is never called for cancelled operations.
	ReceivedStatus(status Status)
	// Complete is called exactly once when the operation is finished,
	// regardless of success, error, cancellation or timeout
	Complete()
}

// GetCallback is implemented by callbacks of get style operations
type GetCallback interface {
	Callback
	// GotData is called for every value found on the server
	GotData(key string, flags uint32, cas uint64, data []byte)
}

// StatsCallback is implemented by callbacks of stats operations
type StatsCallback interface {
	Callback
	// GotStat is called for every statistic line
	GotStat(name, value string)
}

// --------------------------------------------------------------------------
// Function Adapter
// --------------------------------------------------------------------------

// CallbackFuncs adapts plain functions to all callback interfaces.
// Nil functions are ignored.
type CallbackFuncs struct {
	OnStatus   func(status Status)
	OnData     func(key string, flags uint32, cas uint64, data []byte)
	OnStat     func(name, value string)
	OnComplete func()
}

func (c *CallbackFuncs) ReceivedStatus(status Status) {
	if c.OnStatus != nil {
		c.OnStatus(status)
	}
}

func (c *CallbackFuncs) GotData(key string, flags uint32, cas uint64, data []byte) {
	if c.OnData != nil {
		c.OnData(key, flags, cas, data)
	}
}

func (c *CallbackFuncs) GotStat(name, value string) {
	if c.OnStat != nil {
		c.OnStat(name, value)
	}
}

func (c *CallbackFuncs) Complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}
