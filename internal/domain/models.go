package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ZeroSHA1 stands for "no commit" in a ref update: creations have it as old value, deletions as new value.
const ZeroSHA1 = "0000000000000000000000000000000000000000"

const (
	RefsHeads     = "refs/heads/"
	RefsTags      = "refs/tags/"
	RefsTemporary = "refs/temporary/"
	RefsKeepalive = "refs/keepalive/"
	RefsRoots     = "refs/roots/"
)

// IsSHA1 reports whether s is a 40 character lowercase hex string.
func IsSHA1(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// KeepaliveRef is the ref that keeps sha1 reachable for garbage collection purposes.
func KeepaliveRef(sha1 string) string {
	return RefsKeepalive + sha1
}

// PendingRefUpdateState - state of the coordination row between the git hook and the background services
type PendingRefUpdateState string

const (
	PendingRefUpdatePreliminary PendingRefUpdateState = "preliminary"
	PendingRefUpdateProcessed   PendingRefUpdateState = "processed"
	PendingRefUpdateFinished    PendingRefUpdateState = "finished"
	PendingRefUpdateFailed      PendingRefUpdateState = "failed"
)

func (s PendingRefUpdateState) IsTerminal() bool {
	return s == PendingRefUpdateFinished || s == PendingRefUpdateFailed
}

type BranchType string

const (
	BranchTypeNormal BranchType = "normal"
	BranchTypeReview BranchType = "review"
)

type ReviewState string

const (
	ReviewStateDraft   ReviewState = "draft"
	ReviewStateOpen    ReviewState = "open"
	ReviewStateClosed  ReviewState = "closed"
	ReviewStateDropped ReviewState = "dropped"
)

type RebaseKind string

const (
	RebaseKindHistoryRewrite RebaseKind = "history-rewrite"
	RebaseKindMove           RebaseKind = "move"
)

type ChangesetType string

const (
	ChangesetTypeDirect    ChangesetType = "direct"
	ChangesetTypeCustom    ChangesetType = "custom"
	ChangesetTypeConflicts ChangesetType = "conflicts"
)

type ChangesetState string

const (
	ChangesetStateRequested    ChangesetState = "requested"
	ChangesetStateChangedLines ChangesetState = "changedlines"
)

const RoleDeveloper = "developer"

type Repository struct {
	ID   int64
	Name string
	Path string
}

// User - an authenticated Critic user. The system user is never stored; it is represented by a nil *User.
type User struct {
	ID       int64
	Name     string
	Fullname string
	Email    string
	Roles    []string
}

func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserID returns nil for the system user.
func (u *User) UserID() *int64 {
	if u == nil {
		return nil
	}
	id := u.ID
	return &id
}

// GitIdentity - (fullname, email) pair as recorded in commits
type GitIdentity struct {
	Fullname string
	Email    string
}

type Commit struct {
	ID          int64
	SHA1        string
	AuthorID    int64
	AuthorTime  time.Time
	CommitterID int64
	CommitTime  time.Time
}

type Edge struct {
	Parent int64
	Child  int64
	// Position is the parent's index in the commit's parent list.
	Position int
}

type Branch struct {
	ID           int64
	RepositoryID int64
	Name         string
	HeadID       int64
	HeadSHA1     string
	BaseBranchID *int64
	Type         BranchType
	IsArchived   bool
	Size         int
}

func (b *Branch) Ref() string {
	return RefsHeads + b.Name
}

// BranchUpdate - append-only record of one ref move on one branch
type BranchUpdate struct {
	ID                 int64
	BranchID           int64
	UpdaterID          *int64
	FromHeadID         *int64
	ToHeadID           int64
	FromBaseBranchID   *int64
	Output             string
	PendingRefUpdateID *int64
	Associated         []int64
	Disassociated      []int64
	UpdatedAt          time.Time
}

type Review struct {
	ID           int64
	RepositoryID int64
	BranchID     int64
	State        ReviewState
	Summary      *string
	ViaPush      bool
	Owners       []int64
}

// ReviewRebase - declared intent to rebase a review. Pending while BranchUpdateID is nil.
type ReviewRebase struct {
	ID                int64
	ReviewID          int64
	CreatorID         int64
	Kind              RebaseKind
	OldUpstreamID     *int64
	NewUpstreamID     *int64
	EquivalentMergeID *int64
	ReplayedRebaseID  *int64
	BranchUpdateID    *int64
}

func (r *ReviewRebase) IsPending() bool {
	return r.BranchUpdateID == nil
}

type ReviewFilter struct {
	ID           int64
	RepositoryID int64
	UserID       int64
	Path         string
	Type         string
}

// Matches reports whether the filter covers path. Directory filters end with "/" or are empty.
func (f ReviewFilter) Matches(path string) bool {
	if f.Path == "" || f.Path == "/" {
		return true
	}
	if strings.HasSuffix(f.Path, "/") {
		return strings.HasPrefix(path, f.Path)
	}
	return path == f.Path || strings.HasPrefix(path, f.Path+"/")
}

type CommentChain struct {
	ID          int64
	ReviewID    int64
	UserID      int64
	Type        string
	State       string
	Path        string
	Published   bool
	AddressedBy *int64
}

type PendingRefUpdate struct {
	ID             int64
	RepositoryID   int64
	Name           string
	OldSHA1        string
	NewSHA1        string
	UpdaterID      *int64
	Flags          json.RawMessage
	State          PendingRefUpdateState
	StartedAt      time.Time
	BranchUpdateID *int64
	Abandoned      bool
}

func (p *PendingRefUpdate) IsCreation() bool {
	return p.OldSHA1 == ZeroSHA1
}

func (p *PendingRefUpdate) IsDeletion() bool {
	return p.NewSHA1 == ZeroSHA1
}

type PendingRefUpdateOutput struct {
	ID                 int64
	PendingRefUpdateID int64
	Output             string
	Traceback          bool
}

type MergeReplayRequest struct {
	RepositoryID int64
	MergeID      int64
	ReplayID     *int64
	Traceback    *string
	RequestedAt  time.Time
}

func (r *MergeReplayRequest) IsDone() bool {
	return r.ReplayID != nil || r.Traceback != nil
}

type RebaseReplayRequest struct {
	RebaseID       int64
	BranchUpdateID int64
	NewUpstreamID  int64
	ReplayID       *int64
	Traceback      *string
	RequestedAt    time.Time
}

func (r *RebaseReplayRequest) IsDone() bool {
	return r.ReplayID != nil || r.Traceback != nil
}

type TrackedBranch struct {
	ID           int64
	RepositoryID int64
	LocalName    string
	Remote       string
	RemoteName   string
	Disabled     bool
}

type Changeset struct {
	ID           int64
	RepositoryID int64
	FromCommitID *int64
	ToCommitID   int64
	Type         ChangesetType
	State        ChangesetState
	Files        []ChangesetFile
}

type ChangesetFile struct {
	Path     string
	Deleted  int
	Inserted int
}

// Flags - recognized keys of the CRITIC_FLAGS push environment variable
type Flags struct {
	TrackedBranchID *int64 `json:"trackedbranch_id,omitempty"`
}

func ParseFlags(raw json.RawMessage) (Flags, error) {
	var flags Flags
	if len(raw) == 0 {
		return flags, nil
	}
	err := json.Unmarshal(raw, &flags)
	return flags, err
}
