package generator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBudgetSpendsAndRollsAtMidnight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	b := NewBudget(path, 2, nil, zap.NewNop())
	day1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return day1 }

	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 14*time.Hour, b.UntilReset())

	assert.True(t, b.Spend(1))
	assert.False(t, b.Spend(2), "cannot overdraw the day")
	assert.True(t, b.Spend(1))
	assert.False(t, b.Spend(1))
	assert.Zero(t, b.Remaining())

	// The counter lands on disk under the pinned day.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var st struct {
		Date string `json:"date"`
		Used int    `json:"used"`
	}
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, "2025-06-01", st.Date)
	assert.Equal(t, 2, st.Used)

	// Midnight refills.
	day2 := day1.Add(15 * time.Hour)
	b.now = func() time.Time { return day2 }
	assert.Equal(t, 2, b.Remaining())
	assert.True(t, b.Spend(1))
}

func TestBudgetSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	today := time.Now().Format("2006-01-02")
	require.NoError(t, os.WriteFile(path, []byte(`{"date":"`+today+`","used":1}`), 0o644))

	b := NewBudget(path, 3, nil, zap.NewNop())
	assert.Equal(t, 2, b.Remaining(), "a restart must not refill the day")
}

func TestBudgetDiscardsStaleOrCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"date":"2020-01-01","used":3}`), 0o644))
	b := NewBudget(path, 3, nil, zap.NewNop())
	assert.Equal(t, 3, b.Remaining(), "spend from an older day does not carry over")

	path = filepath.Join(t.TempDir(), "budget.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	b = NewBudget(path, 3, nil, zap.NewNop())
	assert.Equal(t, 3, b.Remaining())
}
