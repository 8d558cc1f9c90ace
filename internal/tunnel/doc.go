// Package tunnel implements the setup exchange on a tunnel connection
// between the SOCKS5 front and the relay server.
//
// A tunnel connection starts with the 16-byte encoder identifier in the
// clear. Everything after it is passed through that encoder:
//
//	request: [padding][atyp:1][port:2][addr]
//	reply:   [padding][status:1]
//
// addr is in SOCKS form (4 bytes for IPv4, or a length byte and a domain
// name). After a zero status both sides switch to relaying raw payload.
package tunnel
