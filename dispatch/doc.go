// Package dispatch is the public entry point of hioload-ioq.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Dispatcher keeps one table of live queue descriptors and routes
// socket-style calls (Socket, Bind, Listen, Accept, Connect) and message
// calls (Push, Pop) to the backend that owns each descriptor. Asynchronous
// calls return a QToken; Poll reports api.ErrWouldBlock until the
// operation completes, Drop abandons it, and Wait/WaitAny block on top of
// Poll with a spin then backoff strategy.
package dispatch
