package services

import (
	"testing"
	"time"

	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestScheduleIsDue(t *testing.T) {
	s := &LedgerBackupService{}
	// March 2026 starts on a Sunday, so day N falls on weekday (N-1)%7.
	at := func(day, hour, minute int) time.Time {
		return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
	}

	daily := &models.BackupSchedule{Frequency: "daily", TimeOfDay: "02:30"}
	assert.True(t, s.isDue(daily, at(1, 2, 30)))
	assert.False(t, s.isDue(daily, at(1, 2, 31)))
	assert.False(t, s.isDue(daily, at(1, 3, 30)))

	weekly := &models.BackupSchedule{Frequency: "weekly", TimeOfDay: "04:00", DayOfWeek: 3}
	assert.True(t, s.isDue(weekly, at(4, 4, 0)))  // Wednesday
	assert.False(t, s.isDue(weekly, at(5, 4, 0))) // Thursday

	monthly := &models.BackupSchedule{Frequency: "monthly", TimeOfDay: "01:15", DayOfMonth: 15}
	assert.True(t, s.isDue(monthly, at(15, 1, 15)))
	assert.False(t, s.isDue(monthly, at(16, 1, 15)))
}

func TestCalculateNextRunIsInFuture(t *testing.T) {
	for _, schedule := range []*models.BackupSchedule{
		{Frequency: "daily", TimeOfDay: "02:00"},
		{Frequency: "weekly", TimeOfDay: "02:00", DayOfWeek: 2},
		{Frequency: "monthly", TimeOfDay: "02:00", DayOfMonth: 10},
	} {
		next := CalculateNextRunForSchedule(schedule)
		assert.True(t, next.After(time.Now()), "next run for %s must be in the future", schedule.Frequency)
	}
}
