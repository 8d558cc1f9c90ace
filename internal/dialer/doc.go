// Package dialer provides outbound dialing implementations used by veil.
//
// Dialers implement a small interface (DialContext). The SOCKS5 front uses
// one to reach the relay endpoint; the relay server uses one to reach
// tunnel targets, either directly, through an upstream SOCKS5 proxy, or over SSH.
package dialer
