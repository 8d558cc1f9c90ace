// Package encoder implements the per-tunnel obfuscation transform.
//
// A Key is an identifier plus a 256-entry byte substitution table. An
// Encoder built from a Key maps every byte through the table on the way out
// and through its inverse on the way in. The transform works byte by byte,
// so messages can be split or coalesced by TCP without affecting decoding.
//
// This is a traffic-shape obfuscation format, not encryption.
package encoder
