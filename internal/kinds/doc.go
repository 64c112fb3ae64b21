// Package kinds defines the named units of work the service can run on the
// main thread, and the registry that resolves a kind name to its
// implementation. The HTTP surface cannot carry closures, so callers name a
// kind and pass opaque JSON arguments.
package kinds
