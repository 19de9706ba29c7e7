package capacity

import (
	"context"
	"fmt"
	"sync"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// LocalCapacityManager is the standalone-mode accountant: the same
// first-come-first-served arithmetic as RedisCapacityManager behind one
// process mutex.
type LocalCapacityManager struct {
	mu     sync.Mutex
	limits Limits
	allocs map[string]domain.ResourceProfile
	cpu    float64
	ram    float64
}

var _ domain.CapacityManager = (*LocalCapacityManager)(nil)

func NewLocalCapacityManager(limits Limits) *LocalCapacityManager {
	return &LocalCapacityManager{
		limits: limits,
		allocs: map[string]domain.ResourceProfile{},
	}
}

// Admit implements domain.CapacityManager. Re-admitting a worker that
// already holds an allocation is a no-op.
func (m *LocalCapacityManager) Admit(_ context.Context, workerID string, p domain.ResourceProfile) error {
	if m == nil {
		return fmt.Errorf("op=capacity.admit worker=%s: capacity store not configured", workerID)
	}
	if workerID == "" {
		return fmt.Errorf("op=capacity.admit: empty worker id: %w", domain.ErrInvalidArgument)
	}
	if p.CPUUnits < 0 || p.RAMGB < 0 {
		return fmt.Errorf("op=capacity.admit worker=%s: negative profile: %w", workerID, domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.allocs[workerID]; held {
		return nil
	}
	if m.cpu+p.CPUUnits > m.limits.MaxCPU {
		return fmt.Errorf("op=capacity.admit worker=%s: cpu budget exhausted (in use %.2f, need %.2f, max %.2f): %w",
			workerID, m.cpu, p.CPUUnits, m.limits.MaxCPU, domain.ErrCapacityDenied)
	}
	if m.ram+p.RAMGB > m.limits.MaxRAM {
		return fmt.Errorf("op=capacity.admit worker=%s: ram budget exhausted (in use %.2f, need %.2f, max %.2f): %w",
			workerID, m.ram, p.RAMGB, m.limits.MaxRAM, domain.ErrCapacityDenied)
	}

	m.allocs[workerID] = p
	m.cpu += p.CPUUnits
	m.ram += p.RAMGB
	return nil
}

// Release implements domain.CapacityManager. Unknown workers are a no-op.
func (m *LocalCapacityManager) Release(_ context.Context, workerID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, held := m.allocs[workerID]
	if !held {
		return nil
	}
	delete(m.allocs, workerID)
	m.cpu -= p.CPUUnits
	m.ram -= p.RAMGB
	return nil
}

// InUse reports the aggregate admitted load.
func (m *LocalCapacityManager) InUse(_ context.Context) (cpu, ram float64, err error) {
	if m == nil {
		return 0, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpu, m.ram, nil
}

// Limits reports the admission ceilings in force.
func (m *LocalCapacityManager) Limits() Limits {
	if m == nil {
		return Limits{}
	}
	return m.limits
}
