// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package zerocp is a zero-copy inter-process communication fabric for
// independent processes on one host.
//
// A publisher reserves a fixed-size chunk of POSIX shared memory, writes
// its payload in place, and hands ownership to any number of subscribers
// by transmitting only an integer index over a Unix-domain socket. A
// central router daemon mediates discovery, tracks process liveness via
// heartbeats, and routes chunk-handoff descriptors into per-subscriber
// lock-free queues. No payload byte is ever copied across a process
// boundary.
//
// # Packages
//
//   - relptr: (pool-id, offset) relative pointers, the only pointer form
//     legal to store inside shared memory.
//   - idxpool: a lock-free MPMC bounded pool of opaque slot tokens, used
//     for heartbeat-slot and receive-queue-slot allocation.
//   - freelist: the MPMC free-index list (ABA-safe Treiber stack) that
//     feeds chunk allocation.
//   - shmseg: minimal POSIX-shm-equivalent segment create/attach plus a
//     named-semaphore-style readiness gate.
//   - mempool: the shared-memory memory-pool manager — chunk and
//     chunk-management-record layout, allocation and release.
//   - chunkhandle: the reference-counted, RAII-style chunk handle.
//   - wire: the router's colon-separated ASCII wire protocol.
//   - ringqueue: the SPSC lock-free descriptor ring used as each
//     subscriber's receive queue.
//   - obslog: ambient structured logging setup.
//   - router: the router daemon (registration, heartbeat supervision,
//     publish/subscribe match-making, chunk routing).
//   - runtimeclient: the client library used by publisher and subscriber
//     processes to talk to the router daemon.
//
// See SPEC_FULL.md for the full design and DESIGN.md for the grounding
// of each package in the reference implementation it learns from.
package zerocp
