package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// SeenCodeRegistry remembers authorization codes presented to the token
// API so a code is forwarded to the provider at most once.
type SeenCodeRegistry interface {
	// MarkSeen records code and reports whether this was its first use.
	MarkSeen(ctx context.Context, code string) (first bool, err error)
}

// DefaultSeenCodesCapacity bounds MemorySeenCodes.
const DefaultSeenCodesCapacity = 1000

// codeKey is the stored form of a code. Codes are credentials and are
// never kept in the clear.
func codeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// MemorySeenCodes is a bounded in-process registry for single-instance
// deployments. When full, the oldest code is forgotten first. Contents last
// for the life of the process.
type MemorySeenCodes struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

// NewMemorySeenCodes returns a registry holding up to capacity codes.
// capacity <= 0 uses DefaultSeenCodesCapacity.
func NewMemorySeenCodes(capacity int) *MemorySeenCodes {
	if capacity <= 0 {
		capacity = DefaultSeenCodesCapacity
	}
	return &MemorySeenCodes{
		set:  make(map[string]struct{}, capacity),
		ring: make([]string, 0, capacity),
	}
}

func (m *MemorySeenCodes) MarkSeen(_ context.Context, code string) (bool, error) {
	key := codeKey(code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[key]; ok {
		return false, nil
	}
	if len(m.ring) < cap(m.ring) {
		m.ring = append(m.ring, key)
	} else {
		delete(m.set, m.ring[m.next])
		m.ring[m.next] = key
		m.next = (m.next + 1) % len(m.ring)
	}
	m.set[key] = struct{}{}
	return true, nil
}

// Len returns the number of codes currently remembered.
func (m *MemorySeenCodes) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.set)
}

var _ SeenCodeRegistry = (*MemorySeenCodes)(nil)
