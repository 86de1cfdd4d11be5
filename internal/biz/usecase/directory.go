package usecase

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
)

// OperatorDirectory is the static registry of operator identities. The set
// of operators never changes at runtime; only rating and session counters
// are mutated, atomically under the lock, by the rating step.
type OperatorDirectory struct {
	mu  sync.RWMutex
	ops map[string]*domain.Operator
}

// NewOperatorDirectory builds the directory from the configured allow-list.
func NewOperatorDirectory(operators []domain.Operator) *OperatorDirectory {
	ops := make(map[string]*domain.Operator, len(operators))
	for i := range operators {
		op := operators[i]
		ops[op.OperatorID] = &op
	}
	return &OperatorDirectory{ops: ops}
}

// ListActive returns the ids of operators eligible for notifications, in a
// stable order. An empty result is valid: the request stays queued and
// remains claimable later.
func (d *OperatorDirectory) ListActive() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, op := range d.ops {
		if op.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsOperator reports whether id is on the allow-list.
func (d *OperatorDirectory) IsOperator(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ops[id]
	return ok
}

// Info returns a copy of the operator record.
func (d *OperatorDirectory) Info(id string) (domain.Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.ops[id]
	if !ok {
		return domain.Operator{}, false
	}
	return *op, true
}

// All returns copies of every operator record, sorted by id.
func (d *OperatorDirectory) All() []domain.Operator {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.Operator, 0, len(d.ops))
	for _, op := range d.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperatorID < out[j].OperatorID })
	return out
}

// RecordRating folds stars into the operator's cumulative mean rating and
// bumps the session counter. Read-compute-write happens under the lock so
// concurrent ratings of the same operator never lose updates.
func (d *OperatorDirectory) RecordRating(id string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("rating %d out of range 1..5", stars)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	op, ok := d.ops[id]
	if !ok {
		return domain.ErrNotOperator
	}
	op.Rating = op.RatingAfter(stars)
	op.TotalSessions++
	return nil
}
