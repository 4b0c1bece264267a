// Package transport defines the secure, multiplexed session abstraction that
// the packet layer runs on, and ships two implementations: quic (quic-go) and
// mem (in-process, for tests and single-binary setups).
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind
//   - Session: one encrypted connection to a peer carrying many unidirectional streams
//   - SendStream/RecvStream: the two halves of a unidirectional stream; the
//     opener writes, the acceptor reads
package transport
