package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Ready units are open or in-progress units
// of the group ordered by priority, then creation order.
type Memory struct {
	mu       sync.Mutex
	units    map[string]*Unit
	order    []string
	comments map[string][]string
	nextID   int

	// ListErr, when set, is returned by ListReady and Progress.
	ListErr error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		units:    make(map[string]*Unit),
		comments: make(map[string][]string),
	}
}

// Add inserts a unit as-is. Status defaults to open.
func (m *Memory) Add(u Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Status == "" {
		u.Status = StatusOpen
	}
	if _, ok := m.units[u.ID]; !ok {
		m.order = append(m.order, u.ID)
	}
	m.units[u.ID] = &u
}

func (m *Memory) CreateUnit(_ context.Context, req CreateRequest) (Unit, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	m.mu.Unlock()

	u := Unit{
		ID:                 id,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Status:             StatusOpen,
		Priority:           req.Priority,
		ParentID:           req.ParentID,
	}
	m.Add(u)
	return u, nil
}

func (m *Memory) Show(_ context.Context, id string) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("unit %s not found", id)
	}
	return *u, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return fmt.Errorf("unit %s not found", id)
	}
	u.Status = status
	return nil
}

func (m *Memory) Close(ctx context.Context, id, reason string) error {
	if err := m.UpdateStatus(ctx, id, StatusClosed); err != nil {
		return err
	}
	if reason != "" {
		return m.AppendComment(ctx, id, reason)
	}
	return nil
}

func (m *Memory) ListReady(_ context.Context, groupRef string) ([]Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var ready []Unit
	for _, id := range m.order {
		u := m.units[id]
		if groupRef != "" && u.ParentID != groupRef {
			continue
		}
		if u.Status == StatusOpen || u.Status == StatusInProgress {
			ready = append(ready, *u)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	return ready, nil
}

func (m *Memory) AppendComment(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[id]; !ok {
		return fmt.Errorf("unit %s not found", id)
	}
	m.comments[id] = append(m.comments[id], text)
	return nil
}

func (m *Memory) Progress(_ context.Context, groupRef string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return 0, m.ListErr
	}
	total, closed := 0, 0
	for _, u := range m.units {
		if groupRef != "" && u.ParentID != groupRef {
			continue
		}
		total++
		if u.Status == StatusClosed {
			closed++
		}
	}
	if total == 0 {
		return 100, nil
	}
	return float64(closed) * 100 / float64(total), nil
}

// Comments returns the comments recorded for a unit.
func (m *Memory) Comments(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[id]...)
}
