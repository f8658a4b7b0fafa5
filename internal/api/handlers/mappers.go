package handlers

import (
	"time"

	"critic/internal/api"
	"critic/internal/domain"
)

func mapPendingRefUpdateToAPI(status *domain.PendingRefUpdateStatus) api.PendingRefUpdate {
	update := status.Update
	outputs := make([]api.PendingRefUpdateOutput, len(status.Outputs))
	for i, output := range status.Outputs {
		outputs[i] = api.PendingRefUpdateOutput{
			ID:        output.ID,
			Output:    output.Output,
			Traceback: output.Traceback,
		}
	}
	return api.PendingRefUpdate{
		ID:             update.ID,
		Repository:     update.RepositoryID,
		Name:           update.Name,
		OldSHA1:        update.OldSHA1,
		NewSHA1:        update.NewSHA1,
		Updater:        update.UpdaterID,
		State:          string(update.State),
		StartedAt:      update.StartedAt.UTC().Format(time.RFC3339),
		BranchUpdateID: update.BranchUpdateID,
		Abandoned:      update.Abandoned,
		Outputs:        outputs,
	}
}
