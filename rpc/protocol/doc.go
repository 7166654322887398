// Package protocol builds the memcached commands of the client as ops.Operation values.
// It defines a common factory interface and one implementation per wire protocol.
//
// The package focuses on:
//   - Encoding requests into the exact byte sequence sent on the connection
//   - Decoding responses from arbitrarily split reads (chunk size invariant)
//   - Mapping server statuses onto the ops status codes and error taxonomy
//   - Merging adjacent get operations into one multi key request
//
// Key Components:
//
//   - IOperationFactory: Core interface used by the I/O reactor and the client. Every
//     command is created through it, so the rest of the engine is protocol agnostic.
//
//   - binaryFactoryImpl: The binary protocol. Frames start with a 24 byte header (magic,
//     opcode, key length, extras length, data type, status/vbucket, body length, opaque,
//     cas) followed by extras, key and value. Responses are matched to requests by opcode
//     and opaque; a mismatch is a protocol error. Multi key gets are sent as a batch of
//     quiet GETKQ requests terminated by a NOOP whose opaque ends the batch.
//
//   - asciiFactoryImpl: The line protocol ("get <key>\r\n", "set <key> <flags> <exp>
//     <bytes>\r\n<data>\r\n", ...). Error lines are classified by prefix: ERROR is a
//     general error, CLIENT_ERROR a client error and SERVER_ERROR a server error.
//
//   - BinaryFrame, BinaryFrameReader: Exported frame codec, also used by the in-memory
//     test server in lib/mctest.
//
// Thread Safety:
//
//	Factories are safe for concurrent use. The payload of an operation is only used by
//	the goroutine that currently owns the operation (the caller until it is queued,
//	then the I/O reactor).
package protocol
