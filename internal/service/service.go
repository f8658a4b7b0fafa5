// Package service implements the operations behind the operational HTTP surface.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

// Service implements domain.OpsService using storage.TxManager
type Service struct {
	txmgr storage.TxManager
	bus   wakebus.Bus
}

var _ domain.OpsService = (*Service)(nil)

func New(txmgr storage.TxManager, bus wakebus.Bus) *Service {
	return &Service{
		txmgr: txmgr,
		bus:   bus,
	}
}

// formatError turns storage errors into domain errors carrying an HTTP status.
func (s *Service) formatError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return domain.ErrResourceNotFound
	case domain.IsDomainError(err):
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return ctx.Err()
	default:
		log.Error().Err(err).Str("layer", "service").Str("operation", op).Msg("operation failed")
		return domain.ErrInternal
	}
}
