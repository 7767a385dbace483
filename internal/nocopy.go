// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

// NoCopy is embedded in types that must never be copied by value: the
// lock-free pools and shared-memory-resident structs throughout this
// module hold internal state (atomic cursors, relative pointers into a
// mapped segment) that a copy would silently duplicate or invalidate.
// go vet's copylocks check flags any type embedding NoCopy that is
// copied after first use, because NoCopy implements sync.Locker.
type NoCopy struct{}

// Lock is a no-op; it exists only so go vet's copylocks analysis treats
// NoCopy as a Locker and flags accidental copies.
func (*NoCopy) Lock() {}

// Unlock is a no-op; see Lock.
func (*NoCopy) Unlock() {}
