package domain

import "context"

// PendingRefUpdateStatus - a pending ref update together with everything it has reported so far
type PendingRefUpdateStatus struct {
	Update  PendingRefUpdate
	Outputs []PendingRefUpdateOutput
}

// OpsService - operations exposed by the operational HTTP surface
//
//go:generate mockery --name=OpsService --output=../mocks --outpkg=mocks --filename=ops_service_mock.go
type OpsService interface {
	// Health checks that the database answers
	Health(ctx context.Context) error

	// Wake nudges a background service to rescan its queue
	Wake(ctx context.Context, service string) error

	// PendingRefUpdate returns the row and its outputs
	PendingRefUpdate(ctx context.Context, id int64) (*PendingRefUpdateStatus, error)

	// PendingRefUpdateCounts returns the number of rows per state
	PendingRefUpdateCounts(ctx context.Context) (map[PendingRefUpdateState]int64, error)
}
