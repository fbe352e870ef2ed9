// Package calendar implements the market calendar and daily trigger
// (spec.md C2). Adapted from the teacher's MarketHoursService, which kept a
// per-exchange map of hardcoded trading windows and holidays; this version
// drops the hardcoded multi-exchange table in favor of a single dynamically
// fetched NYSE/Eastern calendar, refreshed daily and cached for the
// remainder of the trading day.
package calendar

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/clients/broker"
)

// CachedHours is today's resolved close time, possibly degraded.
type CachedHours struct {
	Date         string // YYYY-MM-DD, Eastern
	CloseHour    int
	CloseMinute  int
	IsEarlyClose bool
	Degraded     bool
	Closed       bool
}

// Service maintains the cached market hours for the current Eastern date
// and answers when the execution instant for that date falls.
type Service struct {
	eastern *time.Location
	broker  broker.Capability
	log     zerolog.Logger

	cache *CachedHours
}

// NewService builds a calendar service. eastern is resolved once at
// construction; a failure to load the zoneinfo database is a startup error
// the caller should treat as fatal, not a per-tick degradation.
func NewService(brokerClient broker.Capability, log zerolog.Logger) (*Service, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("calendar: load America/New_York: %w", err)
	}
	return &Service{
		eastern: loc,
		broker:  brokerClient,
		log:     log.With().Str("component", "calendar").Logger(),
	}, nil
}

func (s *Service) todayKey(now time.Time) string {
	return now.In(s.eastern).Format("2006-01-02")
}

// Refresh ensures today's hours are cached, fetching them via the broker
// with paperCreds if not already present. anyEnabledUser reports whether at
// least one enabled user exists; with none, there is nothing to schedule
// around and the refresh is skipped.
func (s *Service) Refresh(now time.Time, anyEnabledUser bool, paperCreds broker.Credentials) {
	today := s.todayKey(now)
	if s.cache != nil && s.cache.Date == today {
		return
	}
	if !anyEnabledUser {
		return
	}

	from := today
	to := today
	days, err := s.broker.MarketCalendar(paperCreds, from, to)
	if err != nil {
		s.log.Warn().Err(err).Str("date", today).Msg("calendar fetch failed, degrading to 16:00 close")
		s.cache = &CachedHours{Date: today, CloseHour: 16, CloseMinute: 0, Degraded: true}
		return
	}
	if len(days) == 0 {
		s.log.Info().Str("date", today).Msg("market closed today")
		s.cache = &CachedHours{Date: today, Closed: true}
		return
	}

	closeHour, closeMinute, isEarly, err := parseCloseTime(days[0].Close, s.eastern)
	if err != nil {
		s.log.Warn().Err(err).Str("date", today).Msg("calendar close time unparsable, degrading to 16:00 close")
		s.cache = &CachedHours{Date: today, CloseHour: 16, CloseMinute: 0, Degraded: true}
		return
	}

	s.cache = &CachedHours{
		Date:         today,
		CloseHour:    closeHour,
		CloseMinute:  closeMinute,
		IsEarlyClose: isEarly,
	}
}

func parseCloseTime(raw string, loc *time.Location) (hour, minute int, early bool, err error) {
	t, err := time.ParseInLocation("15:04", raw, loc)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse close %q: %w", raw, err)
	}
	// Regular NYSE close is 16:00; anything earlier is an early close.
	early = t.Hour() < 16
	return t.Hour(), t.Minute(), early, nil
}

// Today returns the cached hours for now's Eastern date, if any.
func (s *Service) Today(now time.Time) *CachedHours {
	if s.cache == nil || s.cache.Date != s.todayKey(now) {
		return nil
	}
	return s.cache
}

// ExecutionInstant computes the minute-of-day (Eastern) at which the
// trigger should fire, given the minimum minutes_before_close across
// enabled users (spec.md §4.2 step 2: ties broken by taking the minimum).
// The smallest offset gives the latest of the users' instants, the one
// closest to the close; a result before midnight is clamped to 00:00.
func ExecutionInstant(hours CachedHours, minMinutesBeforeClose int) (hour, minute int) {
	total := hours.CloseHour*60 + hours.CloseMinute - minMinutesBeforeClose
	if total < 0 {
		total = 0
	}
	return total / 60, total % 60
}

// CacheDegraded reports whether today's cached hours are the 16:00 fallback
// used when the broker calendar could not be fetched. It returns false when
// nothing is cached for today.
func (s *Service) CacheDegraded(now time.Time) bool {
	c := s.Today(now)
	return c != nil && c.Degraded
}
