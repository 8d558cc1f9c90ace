// Package proxy implements the SOCKS5 front: it accepts client
// connections, runs the handshake, sets up a tunnel to the relay with an
// encoder from the pool, and relays traffic until either side closes.
package proxy
