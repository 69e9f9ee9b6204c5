package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep() int {
	c.calls.Add(1)
	return 1
}

func TestRegisterHousekeeping(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	sessions, rooms := &countingSweeper{}, &countingSweeper{}
	var reports atomic.Int32
	RegisterHousekeeping(s, Housekeeping{
		Sessions: sessions,
		Rooms:    rooms,
		Interval: 10 * time.Millisecond,
		Report: func() []zap.Field {
			reports.Add(1)
			return []zap.Field{zap.Int("sessions", 0)}
		},
		ReportInterval: 10 * time.Millisecond,
	}, zap.NewNop())

	assert.Equal(t, []string{TaskPresence, TaskRoomSweep, TaskSessionSweep}, s.ListTickers())
	assert.Eventually(t, func() bool {
		return sessions.calls.Load() > 0 && rooms.calls.Load() > 0 && reports.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterHousekeeping_SkipsMissingParts(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	RegisterHousekeeping(s, Housekeeping{Rooms: &countingSweeper{}}, zap.NewNop())
	assert.Equal(t, []string{TaskRoomSweep}, s.ListTickers())
}
