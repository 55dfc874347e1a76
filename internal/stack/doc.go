// Package stack describes the Bluetooth Classic capability consumed by the SPP
// session manager: GAP (inquiry, naming, bonding, pairing replies), SPP
// (service discovery, connect, listen, disconnect) and the byte-stream
// transport behind an open connection.
//
// The package also owns the value types shared by every component:
//   - Address and its canonical 17-character text form
//   - the sealed Event sum type delivered by stack callbacks
//   - pairing requests/replies
//   - Extended Inquiry Response parsing
//
// Backends (see the bluez subpackage) implement Stack; the core never talks to
// a radio directly.
package stack
