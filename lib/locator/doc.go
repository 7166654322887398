/*
Package locator maps cache keys to the server node responsible for them.

The package focuses on:
  - Deterministic 32-bit key hashing with the algorithms used by memcached clients
  - Two interchangeable routing strategies (modulo array and ketama continuum)
  - Ordered fallback candidates for keys whose primary node is down
  - Immutable locators that can be inspected concurrently without locking

Key Components:

  - HashAlgorithm: NATIVE, CRC, FNV1_64, FNV1A_64, FNV1_32, FNV1A_32, KETAMA and XXHASH.
    Every algorithm yields a 32-bit value so both strategies accept any of them.

  - INodeLocator: The routing contract. GetPrimary returns the owner of a key, GetSequence
    the ordered fallback candidates (the primary excluded, every other node once) and
    GetAll the node list.

  - ArrayModLocator: index = hash(key) mod n. Changing the node count remaps most keys.

  - KetamaLocator: Every node occupies a configurable number of points on a 32-bit ring
    (default 160). A key belongs to the node owning the first point at or after its hash,
    wrapping around at the end of the ring. Adding or removing one node remaps about 1/N
    of the keys.

Node liveness is not known to the locator. Callers pass a predicate to FirstActive at
lookup time, typically backed by the reconnect state of the I/O reactor.

Thread Safety:

	Locators never change after construction. Topology changes build a new locator
	which is published by the owner (see rpc/transport/base).
*/
package locator
