// Package conn holds TCP listener plumbing shared by the veil roles:
// keepalive configuration on accepted connections and optional
// SO_REUSEPORT on listening sockets.
package conn
