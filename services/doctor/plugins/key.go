// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"sync"

	"github.com/awnumar/memguard"
)

// signingKey holds the shared HMAC key in a locked, read-only buffer that
// is wiped on destroy. A destroyed or empty key verifies nothing.
type signingKey struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// newSigningKey copies secret into guarded memory. The intermediate byte
// slice is wiped by memguard.
func newSigningKey(secret string) *signingKey {
	if secret == "" {
		return &signingKey{}
	}
	buf := memguard.NewBufferFromBytes([]byte(secret))
	buf.Freeze()
	return &signingKey{buf: buf}
}

func (k *signingKey) verify(data []byte, signature string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || !k.buf.IsAlive() {
		return false
	}
	return VerifySignature(data, k.buf.Bytes(), signature)
}

func (k *signingKey) destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}
