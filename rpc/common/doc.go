// Package common provides the configuration structures and the logging setup shared by
// the client engine, the in-memory test server and the command line tool.
//
// The package focuses on:
//   - Configuration structures for the client engine and the test server
//   - Validation and human readable printing of configurations
//   - Custom logging implementation integrated with the dragonboat logger facade
//
// Key Components:
//
//   - ClientConfig: Endpoints, protocol, routing (locator, hash algorithm, repetitions,
//     failure mode), queue capacities, timeouts, buffer sizes, reconnect backoff bounds,
//     socket options, SASL credentials and observability settings.
//     DefaultClientConfig returns sensible defaults; Validate reports every problem at once.
//
//   - ServerConfig: Parameters of the in-memory memcached server used by tests and
//     "dmc serve".
//
//   - Logger: Every package obtains its logger with logger.GetLogger("memcached/...").
//     InitLoggers installs a factory that prints "LEVEL | name | message" lines and sets
//     the level of all loggers listed in LoggerNames.
package common
