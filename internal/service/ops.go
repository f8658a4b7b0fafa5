package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

func (s *Service) Health(outerCtx context.Context) error {
	const op = "service.Health"
	err := s.txmgr.Do(outerCtx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.PendingRefUpdateRepo().CountByState(ctx)
		return err
	})
	if err != nil {
		return s.formatError(outerCtx, op, err)
	}
	return nil
}

// Wake nudges a background service to rescan its queue
func (s *Service) Wake(ctx context.Context, service string) error {
	const op = "service.Wake"

	if !wakebus.IsKnown(service) {
		return domain.ErrUnknownService
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "service").
		Str("service", service).
		Msg("waking service")

	if err := s.bus.Wake(ctx, service); err != nil {
		return s.formatError(ctx, op, err)
	}
	return nil
}

// PendingRefUpdate returns the row with its outputs, oldest first
func (s *Service) PendingRefUpdate(outerCtx context.Context, id int64) (*domain.PendingRefUpdateStatus, error) {
	const op = "service.PendingRefUpdate"
	var status domain.PendingRefUpdateStatus

	err := s.txmgr.Do(outerCtx, func(ctx context.Context, tx storage.Tx) error {
		update, err := tx.PendingRefUpdateRepo().GetByID(ctx, id)
		if err != nil {
			return err
		}
		outputs, err := tx.PendingRefUpdateRepo().Outputs(ctx, id, 0)
		if err != nil {
			return err
		}
		status = domain.PendingRefUpdateStatus{Update: *update, Outputs: outputs}
		return nil
	})
	if err != nil {
		return nil, s.formatError(outerCtx, op, err)
	}

	log.Debug().
		Str("session_id", logger.GetSessionID(outerCtx)).
		Str("layer", "service").
		Int64("pendingrefupdate_id", id).
		Str("state", string(status.Update.State)).
		Int("outputs", len(status.Outputs)).
		Msg("loaded pending ref update")

	return &status, nil
}

func (s *Service) PendingRefUpdateCounts(outerCtx context.Context) (map[domain.PendingRefUpdateState]int64, error) {
	const op = "service.PendingRefUpdateCounts"
	var counts map[domain.PendingRefUpdateState]int64
	err := s.txmgr.Do(outerCtx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		counts, err = tx.PendingRefUpdateRepo().CountByState(ctx)
		return err
	})
	if err != nil {
		return nil, s.formatError(outerCtx, op, err)
	}
	return counts, nil
}
