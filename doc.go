// Package saftbus implements the saftbus IPC substrate: a daemon-side
// object registry reachable over a Unix domain socket, and the
// client-side plumbing (ClientConnection, SignalGroup, Proxy) that
// talks to it.
//
// A daemon embeds a [ServiceContainer] behind a [ServerConnection]
// driven by a [loop.Loop], registers application [Service]s under
// object paths, and emits signals through the container. A client
// dials the daemon with [Dial] (or uses [DefaultClientConnection]),
// creates one [SignalGroup] per goroutine that will poll for signals,
// and constructs one [Proxy] per remote object it wants to call or
// subscribe to.
//
// The substrate makes no attempt at a general-purpose object broker:
// identities are integers scoped to one daemon run, there is no
// authentication beyond filesystem permissions on the listening
// socket, and interface vocabularies are agreed out of band and
// referenced by small integer indices rather than negotiated on the
// wire.
package saftbus
