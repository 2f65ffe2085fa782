package projection

import (
	fpmath "StabilityLedger/internal/math"
	"sync"

	"github.com/google/uuid"
)

const defaultOffsetHistory = 1024

// OffsetHistoryEntry records one applied liquidation offset and where it
// left the pool.
type OffsetHistoryEntry struct {
	Sequence      int64
	LiquidationID uuid.UUID
	Borrower      uuid.UUID
	Debt          fpmath.Decimal18
	Collateral    fpmath.Decimal18
	P             fpmath.Decimal18
	Epoch         uint64
	Scale         uint64
	Timestamp     int64
}

// OffsetHistory keeps the most recent offsets in memory. It is fed by the
// projection worker and read by the query service.
type OffsetHistory struct {
	mu       sync.RWMutex
	entries  []OffsetHistoryEntry
	next     int
	full     bool
	capacity int
}

func NewOffsetHistory(capacity int) *OffsetHistory {
	if capacity <= 0 {
		capacity = defaultOffsetHistory
	}
	return &OffsetHistory{
		entries:  make([]OffsetHistoryEntry, capacity),
		capacity: capacity,
	}
}

// Add records an offset, overwriting the oldest once full.
func (h *OffsetHistory) Add(entry OffsetHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = entry
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to limit entries, newest first.
func (h *OffsetHistory) Recent(limit int) []OffsetHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = h.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	result := make([]OffsetHistoryEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + h.capacity) % h.capacity
		result = append(result, h.entries[idx])
	}
	return result
}
