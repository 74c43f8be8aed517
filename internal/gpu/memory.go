//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// Memory management errors.
var (
	// ErrMemoryBudgetExceeded is returned when an upload would exceed the budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrMemoryManagerClosed is returned when operating on a closed manager.
	ErrMemoryManagerClosed = errors.New("gpu: memory manager closed")
)

// MinMemoryMB is the smallest budget accepted by SetBudget (16 MB).
const MinMemoryMB = 16

// MemoryStats contains device memory usage of a render context.
type MemoryStats struct {
	// BudgetBytes is the memory budget in bytes; 0 means unlimited.
	BudgetBytes uint64

	// UsedBytes is the memory held by scenes and frame slots.
	UsedBytes uint64

	// PeakBytes is the largest UsedBytes seen.
	PeakBytes uint64

	// Scenes is the number of resident scenes.
	Scenes int

	// Slots is the number of allocated frame slots.
	Slots int
}

// Utilization returns the fraction of the budget in use, or 0 when the
// budget is unlimited.
func (s MemoryStats) Utilization() float64 {
	if s.BudgetBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.BudgetBytes)
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	budget := "unlimited"
	if s.BudgetBytes > 0 {
		budget = fmt.Sprintf("%d MB", s.BudgetBytes/(1024*1024))
	}
	return fmt.Sprintf("Memory[%d/%s, peak %d MB, %d scenes, %d slots]",
		s.UsedBytes/(1024*1024), budget,
		s.PeakBytes/(1024*1024),
		s.Scenes, s.Slots)
}

type resourceKind int

const (
	resourceScene resourceKind = iota
	resourceSlot
)

// MemoryManager accounts for device memory held by scenes and slots and
// enforces an optional budget. Reservations are estimates from buffer and
// texture sizes; driver overhead is not counted.
//
// MemoryManager is safe for concurrent use.
type MemoryManager struct {
	mu sync.Mutex

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64
	scenes      int
	slots       int
	closed      bool
}

// NewMemoryManager creates a manager with the given budget in megabytes.
// A budget of 0 is unlimited; other values are raised to MinMemoryMB.
func NewMemoryManager(megabytes int) *MemoryManager {
	m := &MemoryManager{}
	m.setBudgetLocked(megabytes)
	return m
}

// SetBudget changes the budget. Resources already resident stay resident;
// the new budget applies to later reservations.
func (m *MemoryManager) SetBudget(megabytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMemoryManagerClosed
	}
	m.setBudgetLocked(megabytes)
	return nil
}

func (m *MemoryManager) setBudgetLocked(megabytes int) {
	switch {
	case megabytes <= 0:
		m.budgetBytes = 0
	case megabytes < MinMemoryMB:
		m.budgetBytes = MinMemoryMB * 1024 * 1024
	default:
		m.budgetBytes = uint64(megabytes) * 1024 * 1024
	}
}

// reserve accounts for size bytes of a new resource.
func (m *MemoryManager) reserve(size uint64, kind resourceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryManagerClosed
	}
	if m.budgetBytes > 0 && m.usedBytes+size > m.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrMemoryBudgetExceeded, size, m.usedBytes, m.budgetBytes)
	}
	m.usedBytes += size
	m.peakBytes = max(m.peakBytes, m.usedBytes)
	switch kind {
	case resourceScene:
		m.scenes++
	case resourceSlot:
		m.slots++
	}
	return nil
}

// free returns a reservation.
func (m *MemoryManager) free(size uint64, kind resourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usedBytes -= min(size, m.usedBytes)
	switch kind {
	case resourceScene:
		m.scenes--
	case resourceSlot:
		m.slots--
	}
}

// resize replaces a slot reservation of old bytes with one of size bytes.
func (m *MemoryManager) resize(old, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryManagerClosed
	}
	next := m.usedBytes - min(old, m.usedBytes) + size
	if m.budgetBytes > 0 && size > old && next > m.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrMemoryBudgetExceeded, size-old, m.usedBytes, m.budgetBytes)
	}
	m.usedBytes = next
	m.peakBytes = max(m.peakBytes, m.usedBytes)
	return nil
}

// Stats returns current memory usage statistics.
func (m *MemoryManager) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		BudgetBytes: m.budgetBytes,
		UsedBytes:   m.usedBytes,
		PeakBytes:   m.peakBytes,
		Scenes:      m.scenes,
		Slots:       m.slots,
	}
}

// Close marks the manager closed. Later reservations fail.
func (m *MemoryManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
