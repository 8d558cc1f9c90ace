// Package socks5 implements the client-facing side of the SOCKS5 subset
// veil speaks: method negotiation, CONNECT parsing, and the reply.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// tracks where a connection is in the handshake so callers know whether a
// reply is still owed. Only CONNECT to IPv4 or domain-name targets is
// supported.
package socks5
