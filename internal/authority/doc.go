// Package authority is the key-issuing service behind the encoder pool.
//
// Store keeps the keys in memory and tracks which are allocated. Handler
// exposes a Store (or any Service) over HTTP+JSON under a path prefix, and
// Client speaks that API from another process. Store and Client both
// implement Service, so the pool can run against either.
package authority
