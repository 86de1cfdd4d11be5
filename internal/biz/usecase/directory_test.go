package usecase

import (
	"math"
	"sync"
	"testing"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
)

func testOperators() []domain.Operator {
	return []domain.Operator{
		{OperatorID: "op-1", DisplayName: "Alice", IsActive: true, Rating: 5.0},
		{OperatorID: "op-2", DisplayName: "Bob", IsActive: true},
		{OperatorID: "op-3", DisplayName: "Carol", IsActive: false},
	}
}

func TestListActive(t *testing.T) {
	d := NewOperatorDirectory(testOperators())

	active := d.ListActive()
	if len(active) != 2 {
		t.Fatalf("active = %v, want 2 entries", active)
	}
	if active[0] != "op-1" || active[1] != "op-2" {
		t.Errorf("active = %v, want [op-1 op-2]", active)
	}
}

func TestListActiveEmpty(t *testing.T) {
	d := NewOperatorDirectory(nil)
	if active := d.ListActive(); len(active) != 0 {
		t.Errorf("active on empty directory = %v, want none", active)
	}
}

func TestIsOperator(t *testing.T) {
	d := NewOperatorDirectory(testOperators())

	if !d.IsOperator("op-3") {
		t.Error("inactive operator should still be on the allow-list")
	}
	if d.IsOperator("stranger") {
		t.Error("unknown id reported as operator")
	}
}

func TestRecordRatingMean(t *testing.T) {
	d := NewOperatorDirectory([]domain.Operator{
		{OperatorID: "op-1", DisplayName: "Alice", IsActive: true},
	})

	ratings := []int{5, 3, 4, 4, 1}
	sum := 0
	for _, r := range ratings {
		if err := d.RecordRating("op-1", r); err != nil {
			t.Fatalf("RecordRating(%d): %v", r, err)
		}
		sum += r
	}

	op, _ := d.Info("op-1")
	want := float64(sum) / float64(len(ratings))
	if math.Abs(op.Rating-want) > 1e-9 {
		t.Errorf("rating = %v, want %v", op.Rating, want)
	}
	if op.TotalSessions != len(ratings) {
		t.Errorf("total sessions = %d, want %d", op.TotalSessions, len(ratings))
	}
}

func TestRecordRatingRange(t *testing.T) {
	d := NewOperatorDirectory(testOperators())

	for _, stars := range []int{0, 6, -1} {
		if err := d.RecordRating("op-1", stars); err == nil {
			t.Errorf("RecordRating(%d) accepted, want error", stars)
		}
	}
	if err := d.RecordRating("stranger", 5); err != domain.ErrNotOperator {
		t.Errorf("rating unknown operator error = %v, want ErrNotOperator", err)
	}
}

func TestConcurrentRatingsNoLostUpdates(t *testing.T) {
	d := NewOperatorDirectory([]domain.Operator{
		{OperatorID: "op-1", DisplayName: "Alice", IsActive: true},
	})

	const raters = 50
	var wg sync.WaitGroup
	for i := 0; i < raters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.RecordRating("op-1", 4)
		}()
	}
	wg.Wait()

	op, _ := d.Info("op-1")
	if op.TotalSessions != raters {
		t.Errorf("total sessions = %d, want %d (lost updates)", op.TotalSessions, raters)
	}
	if math.Abs(op.Rating-4.0) > 1e-9 {
		t.Errorf("rating = %v, want 4.0", op.Rating)
	}
}

func TestInfoIsCopy(t *testing.T) {
	d := NewOperatorDirectory(testOperators())

	op, _ := d.Info("op-1")
	op.Rating = 0
	op.DisplayName = "mutated"

	again, _ := d.Info("op-1")
	if again.Rating != 5.0 || again.DisplayName != "Alice" {
		t.Error("mutating Info result leaked into directory state")
	}
}
