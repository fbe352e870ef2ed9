// Package scheduler drives the calendar trigger (C2) and the daily
// market-hours refresh against the orchestrator (C10). Adapted from the
// teacher's cron.New(cron.WithSeconds()) wrapper (internal/scheduler), kept
// as a single minute-resolution tick instead of the teacher's many
// independently-scheduled jobs, since every decision here (refresh? fire?)
// depends on the same calendar state evaluated together.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/calendar"
	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/orchestrator"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/vault"
)

// Scheduler ticks every minute, refreshing the market calendar once a day
// and firing the orchestrator at the computed execution instant.
type Scheduler struct {
	cron         *cron.Cron
	calendar     *calendar.Service
	orchestrator *orchestrator.Orchestrator
	settings     *store.SettingsRepository
	credentials  *store.CredentialRepository
	vault        *vault.Vault
	eastern      *time.Location
	mode         execution.Mode
	log          zerolog.Logger
}

// New builds a scheduler. eastern should be the same "America/New_York"
// location the calendar service resolved at startup.
func New(
	cal *calendar.Service,
	orch *orchestrator.Orchestrator,
	settings *store.SettingsRepository,
	credentials *store.CredentialRepository,
	v *vault.Vault,
	eastern *time.Location,
	mode execution.Mode,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		calendar:     cal,
		orchestrator: orch,
		settings:     settings,
		credentials:  credentials,
		vault:        v,
		eastern:      eastern,
		mode:         mode,
		log:          log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the minute tick and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("0 * * * * *", s.tick)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop drains in-flight ticks and stops the cron loop.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) tick() {
	now := time.Now().In(s.eastern)

	ids, err := s.settings.EnabledUserIDs()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load enabled users")
		return
	}

	today := s.calendar.Today(now)
	cachedToday := today != nil

	minCheckHour := -1
	minMinutesBeforeClose := -1
	var paperCreds broker.Credentials
	havePaperCreds := false

	for _, id := range ids {
		settings, err := s.settings.Get(id)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", id).Msg("failed to load settings")
			continue
		}
		if minMinutesBeforeClose < 0 || settings.MinutesBeforeClose < minMinutesBeforeClose {
			minMinutesBeforeClose = settings.MinutesBeforeClose
		}
		if minCheckHour < 0 || settings.MarketHoursCheckHour < minCheckHour {
			minCheckHour = settings.MarketHoursCheckHour
		}
		if !havePaperCreds {
			apiKey, apiSecret, baseURL, err := s.credentials.Decrypt(s.vault, id, domain.CredentialPaper)
			if err == nil {
				paperCreds = broker.Credentials{APIKey: apiKey, APISecret: apiSecret, BaseURL: baseURL}
				havePaperCreds = true
			}
		}
	}

	if minCheckHour < 0 {
		minCheckHour = 4
	}

	if calendar.ShouldRefreshToday(now, minCheckHour, cachedToday) {
		s.calendar.Refresh(now, len(ids) > 0, paperCreds)
		today = s.calendar.Today(now)
	}

	if today == nil || minMinutesBeforeClose < 0 {
		return
	}

	lastExecutionDate := s.orchestrator.LastExecutionDate()
	if !calendar.ShouldFire(now, *today, minMinutesBeforeClose, lastExecutionDate, s.orchestrator.IsExecuting()) {
		return
	}

	s.log.Info().Str("date", today.Date).Msg("calendar trigger firing")
	if err := s.orchestrator.RunScheduled(context.Background(), s.eastern, s.mode); err != nil {
		s.log.Error().Err(err).Msg("scheduled execution failed")
	}
}
