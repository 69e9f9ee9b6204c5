package scheduler

import (
	"time"

	"go.uber.org/zap"
)

// Sweeper drops dead entries and reports how many it removed.
type Sweeper interface {
	Sweep() int
}

// Housekeeping describes the periodic maintenance of one chat node.
type Housekeeping struct {
	Sessions Sweeper
	Rooms    Sweeper
	Interval time.Duration
	// Report, when set, is logged every ReportInterval.
	Report         func() []zap.Field
	ReportInterval time.Duration
}

const (
	TaskSessionSweep = "session_sweep"
	TaskRoomSweep    = "room_sweep"
	TaskPresence     = "presence_report"
)

// RegisterHousekeeping installs the sweep and report tickers on s.
func RegisterHousekeeping(s *Scheduler, h Housekeeping, logger *zap.Logger) {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if h.Sessions != nil {
		s.AddTicker(TaskSessionSweep, interval, func() {
			if n := h.Sessions.Sweep(); n > 0 {
				logger.Info("swept closed sessions", zap.Int("count", n))
			}
		})
	}
	if h.Rooms != nil {
		s.AddTicker(TaskRoomSweep, interval, func() {
			if n := h.Rooms.Sweep(); n > 0 {
				logger.Info("swept stale room memberships", zap.Int("count", n))
			}
		})
	}
	if h.Report != nil {
		every := h.ReportInterval
		if every <= 0 {
			every = 5 * time.Minute
		}
		s.AddTicker(TaskPresence, every, func() {
			logger.Info("node status", h.Report()...)
		})
	}
}
