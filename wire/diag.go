// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strings"
)

// PoolSnapshot is one pool's occupancy, as reported in a DIAG reply.
type PoolSnapshot struct {
	ChunkSize uint32
	Capacity  uint32
	Allocated uint32
	PeakUsed  uint32
}

// SubscriberSnapshot is one subscriber's drop count, as reported in a
// DIAG reply.
type SubscriberSnapshot struct {
	Name    string
	Dropped uint64
}

// DiagSnapshot is the unified reference-count diagnostics snapshot of
// spec.md §6: one structure shared between the socket's diagnostics
// reply and the heartbeat-monitor thread's periodic debug dump, so both
// report the same numbers computed the same way.
type DiagSnapshot struct {
	Pools       []PoolSnapshot
	Subscribers []SubscriberSnapshot
}

// FormatDiagReply encodes a DiagSnapshot as the DIAG verb's reply:
// "OK:DIAG:POOLS=<size>/<cap>/<alloc>/<peak>,...;SUBS=<name>/<dropped>,...".
func FormatDiagReply(s DiagSnapshot) string {
	pools := make([]string, len(s.Pools))
	for i, p := range s.Pools {
		pools[i] = fmt.Sprintf("%d/%d/%d/%d", p.ChunkSize, p.Capacity, p.Allocated, p.PeakUsed)
	}
	subs := make([]string, len(s.Subscribers))
	for i, sub := range s.Subscribers {
		subs[i] = fmt.Sprintf("%s/%d", sub.Name, sub.Dropped)
	}
	return fmt.Sprintf("OK:DIAG:POOLS=%s;SUBS=%s", strings.Join(pools, ","), strings.Join(subs, ","))
}
