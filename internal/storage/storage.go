package storage

import (
	"context"
	"time"

	"critic/internal/domain"
)

// TxManager runs units of work inside database transactions
//
//go:generate mockery --name=TxManager --output=../mocks --outpkg=mocks --filename=tx_manager_mock.go
type TxManager interface {
	// Do runs fn inside a transaction.
	// If fn returns an error the transaction is rolled back and AfterRollback callbacks run,
	// otherwise it is committed and AfterCommit callbacks run, in registration order.
	// Do must not be called from inside fn.
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is a transaction with access to the repositories
//
//go:generate mockery --name=Tx --output=../mocks --outpkg=mocks --filename=tx_mock.go
type Tx interface {
	RepositoryRepo() RepositoryRepository
	UserRepo() UserRepository
	CommitRepo() CommitRepository
	BranchRepo() BranchRepository
	BranchUpdateRepo() BranchUpdateRepository
	PendingRefUpdateRepo() PendingRefUpdateRepository
	ReviewRepo() ReviewRepository
	ReplayRepo() ReplayRepository
	ChangesetRepo() ChangesetRepository
	SettingRepo() SettingRepository
	TrackedBranchRepo() TrackedBranchRepository

	// AfterCommit schedules fn to run once the transaction has committed.
	AfterCommit(fn func())
	// AfterRollback schedules fn to run if the transaction is rolled back.
	AfterRollback(fn func())
}

type RepositoryRepository interface {
	Create(ctx context.Context, repository *domain.Repository) error
	GetByID(ctx context.Context, id int64) (*domain.Repository, error)
	GetByName(ctx context.Context, name string) (*domain.Repository, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	// GetByName returns the user together with its roles
	GetByName(ctx context.Context, name string) (*domain.User, error)
	AddRole(ctx context.Context, userID int64, role string) error
}

type CommitRepository interface {
	// ExistingSHA1s returns sha1 -> id for the given commits that are already stored
	ExistingSHA1s(ctx context.Context, sha1s []string) (map[string]int64, error)

	// InternGitUsers returns ids for the identities, inserting the missing ones
	InternGitUsers(ctx context.Context, identities []domain.GitIdentity) (map[domain.GitIdentity]int64, error)

	// Insert stores new commits and fills in their ids. Already stored SHA1s are skipped.
	Insert(ctx context.Context, commits []*domain.Commit) error

	InsertEdges(ctx context.Context, edges []domain.Edge) error

	GetBySHA1(ctx context.Context, sha1 string) (*domain.Commit, error)

	// SHA1s returns id -> sha1
	SHA1s(ctx context.Context, ids []int64) (map[int64]string, error)

	// Parents returns child id -> parent ids for the given commits, in git parent order
	Parents(ctx context.Context, ids []int64) (map[int64][]int64, error)
}

type BranchRepository interface {
	Create(ctx context.Context, branch *domain.Branch) error

	// GetByName finds the branch whether or not it is archived
	GetByName(ctx context.Context, repositoryID int64, name string) (*domain.Branch, error)
	GetByID(ctx context.Context, id int64) (*domain.Branch, error)

	// Update saves head, base branch, type, archived flag and size
	Update(ctx context.Context, branch *domain.Branch) error

	// Delete removes the branch, its commit associations and its branch updates
	Delete(ctx context.Context, id int64) error

	Count(ctx context.Context, repositoryID int64) (int64, error)

	// RecentHeads returns the SHA1s of the most recently committed branch heads
	RecentHeads(ctx context.Context, repositoryID int64, limit int) ([]string, error)

	// ConflictingNames returns stored branch names that are a path prefix of name or have name as path prefix
	ConflictingNames(ctx context.Context, repositoryID int64, name string) ([]string, error)

	CommitIDs(ctx context.Context, branchID int64) ([]int64, error)

	// Contained returns the subset of commitIDs associated with the branch
	Contained(ctx context.Context, branchID int64, commitIDs []int64) ([]int64, error)

	// LowestContaining maps each of commitIDs that is associated with some branch of the repository,
	// other than the excluded ones, to the lowest such branch id
	LowestContaining(ctx context.Context, repositoryID int64, commitIDs []int64, excluded []int64) (map[int64]int64, error)

	Associate(ctx context.Context, branchID int64, commitIDs []int64) error
	Disassociate(ctx context.Context, branchID int64, commitIDs []int64) error
}

type BranchUpdateRepository interface {
	// Create stores the update together with its associated and disassociated commits
	Create(ctx context.Context, update *domain.BranchUpdate) error
	GetByID(ctx context.Context, id int64) (*domain.BranchUpdate, error)
	Latest(ctx context.Context, branchID int64) (*domain.BranchUpdate, error)
	Delete(ctx context.Context, id int64) error
}

type PendingRefUpdateRepository interface {
	Create(ctx context.Context, update *domain.PendingRefUpdate) error
	GetByID(ctx context.Context, id int64) (*domain.PendingRefUpdate, error)

	// ListForRef returns every row for the ref, oldest first
	ListForRef(ctx context.Context, repositoryID int64, name string) ([]domain.PendingRefUpdate, error)

	// Lookup finds the newest row for exactly this ref update
	Lookup(ctx context.Context, repositoryID int64, name, oldSHA1, newSHA1 string, updaterID *int64) (*domain.PendingRefUpdate, error)

	ListByState(ctx context.Context, state domain.PendingRefUpdateState) ([]domain.PendingRefUpdate, error)

	// Transition moves the row from one state to another. ErrConflict if it is not in state from.
	Transition(ctx context.Context, id int64, from, to domain.PendingRefUpdateState) error

	SetBranchUpdate(ctx context.Context, id, branchUpdateID int64) error
	SetAbandoned(ctx context.Context, ids []int64) error

	AddOutput(ctx context.Context, id int64, output string, traceback bool) error

	// Outputs returns the outputs with id greater than afterID, oldest first
	Outputs(ctx context.Context, id int64, afterID int64) ([]domain.PendingRefUpdateOutput, error)

	// Delete removes the rows and their outputs
	Delete(ctx context.Context, ids []int64) error

	CountByState(ctx context.Context) (map[domain.PendingRefUpdateState]int64, error)
}

type ReviewRepository interface {
	// Create stores the review and its owners
	Create(ctx context.Context, review *domain.Review) error
	GetByID(ctx context.Context, id int64) (*domain.Review, error)
	GetByBranch(ctx context.Context, branchID int64) (*domain.Review, error)
	SetState(ctx context.Context, id int64, state domain.ReviewState) error

	CreateRebase(ctx context.Context, rebase *domain.ReviewRebase) error
	GetRebase(ctx context.Context, id int64) (*domain.ReviewRebase, error)

	// PendingRebase returns the rebase not yet attached to a branch update, or ErrNotFound
	PendingRebase(ctx context.Context, reviewID int64) (*domain.ReviewRebase, error)

	SetRebaseUpstreams(ctx context.Context, id int64, oldUpstreamID, newUpstreamID *int64) error

	// FinishRebase attaches the branch update and the replay results to the rebase
	FinishRebase(ctx context.Context, rebase *domain.ReviewRebase) error

	// CreateUpdate records that the branch update has been processed into the review
	CreateUpdate(ctx context.Context, reviewID, branchUpdateID int64, updaterID *int64) error

	// UnprocessedBranchUpdates returns ids of updates of the branch without a review update, oldest first
	UnprocessedBranchUpdates(ctx context.Context, branchID int64) ([]int64, error)

	// RevertUpdate forgets everything the review recorded for the branch update
	RevertUpdate(ctx context.Context, reviewID, branchUpdateID int64) error

	AddChangesets(ctx context.Context, reviewID, branchUpdateID int64, changesetIDs []int64) error

	ReviewerFilters(ctx context.Context, repositoryID int64) ([]domain.ReviewFilter, error)
	AssignedReviewers(ctx context.Context, reviewID int64) ([]int64, error)
	AssignFiles(ctx context.Context, reviewID, changesetID, userID int64, paths []string) error

	// OpenIssues returns open issues that are published or written by viewer
	OpenIssues(ctx context.Context, reviewID int64, viewerID *int64) ([]domain.CommentChain, error)
	MarkAddressed(ctx context.Context, chainIDs []int64, branchUpdateID int64) error
	CreateCommentChain(ctx context.Context, chain *domain.CommentChain) error
	AddReviewFilter(ctx context.Context, filter *domain.ReviewFilter) error
}

type ReplayRepository interface {
	// RequestMerge inserts the request unless it exists and returns the stored row
	RequestMerge(ctx context.Context, repositoryID, mergeID int64) (*domain.MergeReplayRequest, error)
	GetMerge(ctx context.Context, repositoryID, mergeID int64) (*domain.MergeReplayRequest, error)
	PendingMerges(ctx context.Context) ([]domain.MergeReplayRequest, error)
	FinishMerges(ctx context.Context, results []domain.MergeReplayRequest) error

	RequestRebase(ctx context.Context, rebaseID, branchUpdateID, newUpstreamID int64) (*domain.RebaseReplayRequest, error)
	GetRebase(ctx context.Context, rebaseID, branchUpdateID, newUpstreamID int64) (*domain.RebaseReplayRequest, error)
	PendingRebases(ctx context.Context) ([]domain.RebaseReplayRequest, error)
	FinishRebases(ctx context.Context, results []domain.RebaseReplayRequest) error

	// DeleteFinishedBefore removes requests that have a result and were requested before t
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)
}

type ChangesetRepository interface {
	Find(ctx context.Context, repositoryID int64, fromCommitID *int64, toCommitID int64, changesetType domain.ChangesetType) (*domain.Changeset, error)
	Create(ctx context.Context, changeset *domain.Changeset) error
	GetByID(ctx context.Context, id int64) (*domain.Changeset, error)
	// ListRequested returns changesets still waiting for their line counts, oldest first
	ListRequested(ctx context.Context, repositoryID int64, limit int) ([]domain.Changeset, error)

	// SetFiles stores the per-file line counts and moves the changeset to state changedlines
	SetFiles(ctx context.Context, id int64, files []domain.ChangesetFile) error
}

type SettingRepository interface {
	// Get returns the value with the most specific scope: user and repository, then repository, then user, then global
	Get(ctx context.Context, name string, userID, repositoryID *int64) (string, bool, error)
	Set(ctx context.Context, name, value string, userID, repositoryID *int64) error
}

type TrackedBranchRepository interface {
	Create(ctx context.Context, branch *domain.TrackedBranch) error
	GetByLocalName(ctx context.Context, repositoryID int64, localName string) (*domain.TrackedBranch, error)
}
