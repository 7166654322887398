package mctest

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

// relativeExpirationLimit is the largest expiration memcached treats as seconds
// from now, larger values are absolute unix times
const relativeExpirationLimit = 60 * 60 * 24 * 30

// Item is one stored value
type Item struct {
	Value     []byte
	Flags     uint32
	CAS       uint64
	ExpiresAt time.Time // zero means never
}

func (it Item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Result is the outcome of a write command
type Result uint8

const (
	ResultStored Result = iota
	ResultNotStored
	ResultExists
	ResultNotFound
	ResultNonNumeric
)

// Store is the in-memory item map of the test server. All updates are atomic per
// key (xsync MapOf.Compute), so concurrent connections behave like one memcached.
type Store struct {
	items   *xsync.MapOf[string, Item]
	nextCAS atomic.Uint64
	flushAt atomic.Int64 // unix nanos of a delayed flush, 0 if none

	getHits   atomic.Int64
	getMisses atomic.Int64
	cmdGet    atomic.Int64
	cmdSet    atomic.Int64
	started   time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		items:   xsync.NewMapOf[string, Item](),
		started: time.Now(),
	}
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Get returns the item of a key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (st *Store) Get(key string) (Item, bool) {
	st.applyDelayedFlush()
	st.cmdGet.Add(1)

	it, ok := st.items.Load(key)
	if ok && it.expired(time.Now()) {
		st.items.Delete(key)
		ok = false
	}
	if ok {
		st.getHits.Add(1)
	} else {
		st.getMisses.Add(1)
	}
	return it, ok
}

// Len returns the number of stored items (expired items may be included)
func (st *Store) Len() int {
	return st.items.Size()
}

// Stats returns the statistics reported by the stats command in a fixed order
func (st *Store) Stats() [][2]string {
	return [][2]string{
		{"uptime", strconv.FormatInt(int64(time.Since(st.started).Seconds()), 10)},
		{"curr_items", strconv.Itoa(st.Len())},
		{"cmd_get", strconv.FormatInt(st.cmdGet.Load(), 10)},
		{"cmd_set", strconv.FormatInt(st.cmdSet.Load(), 10)},
		{"get_hits", strconv.FormatInt(st.getHits.Load(), 10)},
		{"get_misses", strconv.FormatInt(st.getMisses.Load(), 10)},
	}
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Set stores a value unconditionally and returns its CAS value
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (st *Store) Set(key string, value []byte, flags uint32, exptime uint32) uint64 {
	_, cas := st.Store(protocol.StoreSet, key, value, flags, exptime, 0)
	return cas
}

// Store executes set, add, replace, append, prepend and cas. A cas value of 0
// on a set means unconditional. It returns the result and the new CAS value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (st *Store) Store(t protocol.StoreType, key string, value []byte, flags uint32, exptime uint32, cas uint64) (Result, uint64) {
	st.applyDelayedFlush()
	st.cmdSet.Add(1)

	now := time.Now()
	data := make([]byte, len(value))
	copy(data, value)

	result := ResultStored
	var newCAS uint64
	st.items.Compute(key, func(old Item, loaded bool) (Item, bool) {
		if loaded && old.expired(now) {
			loaded = false
		}

		switch {
		case t == protocol.StoreAdd && loaded:
			result = ResultNotStored
		case (t == protocol.StoreReplace || t == protocol.StoreAppend || t == protocol.StorePrepend) && !loaded:
			result = ResultNotStored
		case (t == protocol.StoreCAS || cas != 0) && !loaded:
			result = ResultNotFound
		case (t == protocol.StoreCAS || cas != 0) && old.CAS != cas:
			result = ResultExists
		}
		if result != ResultStored {
			return old, !loaded
		}

		newCAS = st.nextCAS.Add(1)
		switch t {
		case protocol.StoreAppend:
			return Item{Value: append(append([]byte{}, old.Value...), data...), Flags: old.Flags, CAS: newCAS, ExpiresAt: old.ExpiresAt}, false
		case protocol.StorePrepend:
			return Item{Value: append(data, old.Value...), Flags: old.Flags, CAS: newCAS, ExpiresAt: old.ExpiresAt}, false
		default:
			return Item{Value: data, Flags: flags, CAS: newCAS, ExpiresAt: expiresAt(now, exptime)}, false
		}
	})
	return result, newCAS
}

// Delete removes a key. It returns false if the key did not exist.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (st *Store) Delete(key string) bool {
	st.applyDelayedFlush()

	found := false
	now := time.Now()
	st.items.Compute(key, func(old Item, loaded bool) (Item, bool) {
		found = loaded && !old.expired(now)
		return old, true
	})
	return found
}

// Mutate increments or decrements a counter. A missing counter is created with
// initial if create is set. Decrements stop at zero, increments wrap.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (st *Store) Mutate(key string, incr bool, delta, initial uint64, exptime uint32, create bool) (uint64, uint64, Result) {
	st.applyDelayedFlush()

	now := time.Now()
	result := ResultStored
	var value, newCAS uint64
	st.items.Compute(key, func(old Item, loaded bool) (Item, bool) {
		if loaded && old.expired(now) {
			loaded = false
		}
		if !loaded {
			if !create {
				result = ResultNotFound
				return old, true
			}
			value = initial
			newCAS = st.nextCAS.Add(1)
			return Item{Value: []byte(strconv.FormatUint(value, 10)), CAS: newCAS, ExpiresAt: expiresAt(now, exptime)}, false
		}

		current, err := strconv.ParseUint(string(old.Value), 10, 64)
		if err != nil {
			result = ResultNonNumeric
			return old, false
		}
		switch {
		case incr:
			value = current + delta
		case delta > current:
			value = 0
		default:
			value = current - delta
		}
		newCAS = st.nextCAS.Add(1)
		return Item{Value: []byte(strconv.FormatUint(value, 10)), Flags: old.Flags, CAS: newCAS, ExpiresAt: old.ExpiresAt}, false
	})
	return value, newCAS, result
}

// Flush removes all items, after delay seconds if delay is positive
func (st *Store) Flush(delay uint32) {
	if delay > 0 {
		st.flushAt.Store(time.Now().Add(time.Duration(delay) * time.Second).UnixNano())
		return
	}
	st.flushAt.Store(0)
	st.items.Clear()
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func (st *Store) applyDelayedFlush() {
	at := st.flushAt.Load()
	if at != 0 && time.Now().UnixNano() >= at && st.flushAt.CompareAndSwap(at, 0) {
		st.items.Clear()
	}
}

// expiresAt converts a memcached exptime into an absolute time
func expiresAt(now time.Time, exptime uint32) time.Time {
	switch {
	case exptime == 0:
		return time.Time{}
	case exptime <= relativeExpirationLimit:
		return now.Add(time.Duration(exptime) * time.Second)
	default:
		return time.Unix(int64(exptime), 0)
	}
}
