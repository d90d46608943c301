package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryStatusTransitions(t *testing.T) {
	terminal := []HistoryStatus{
		StatusSuccessful, StatusFailed, StatusCompletedWithErrors,
		StatusNoURLsFound, StatusNoURLsToReindex,
	}

	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusProcessing.CanTransition(StatusPending))
	assert.False(t, StatusProcessing.CanTransition(StatusProcessing))

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, StatusProcessing.CanTransition(s), s)
		for _, next := range append(terminal, StatusPending, StatusProcessing) {
			assert.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}
}

func TestReservationRefund(t *testing.T) {
	r := &Reservation{Amount: 10}
	assert.Equal(t, int64(4), r.Refund(6))
	assert.Equal(t, int64(10), r.Refund(0))
	assert.Equal(t, int64(0), r.Refund(15))
	assert.Equal(t, int64(10), r.Refund(-3))
}

func TestNothingToDo(t *testing.T) {
	assert.Equal(t, StatusNoURLsFound, ActionCheck.NothingToDo())
	assert.Equal(t, StatusNoURLsToReindex, ActionReindex.NothingToDo())
}
