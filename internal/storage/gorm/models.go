package gorm

import (
	"time"

	"gorm.io/datatypes"
)

// Repository - DB model of a git repository
type Repository struct {
	ID   int64  `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name;not null;uniqueIndex"`
	Path string `gorm:"column:path;not null"`
}

func (Repository) TableName() string {
	return "repositories"
}

// User - DB model of a Critic user
type User struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	Name     string `gorm:"column:name;not null;uniqueIndex"`
	Fullname string `gorm:"column:fullname;not null"`
	Email    string `gorm:"column:email"`
	Status   string `gorm:"column:status;not null;default:current"`
}

func (User) TableName() string {
	return "users"
}

type UserRole struct {
	UserID int64  `gorm:"column:uid;primaryKey"`
	Role   string `gorm:"column:role;primaryKey"`
}

func (UserRole) TableName() string {
	return "userroles"
}

// Setting - a named value scoped by optional user and optional repository
type Setting struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	Name         string `gorm:"column:name;not null;index"`
	Value        string `gorm:"column:value;not null"`
	UserID       *int64 `gorm:"column:uid"`
	RepositoryID *int64 `gorm:"column:repository"`
}

func (Setting) TableName() string {
	return "settings"
}

type GitUser struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	Fullname string `gorm:"column:fullname;not null;index:idx_gitusers_fullname_email"`
	Email    string `gorm:"column:email;not null;index:idx_gitusers_fullname_email"`
}

func (GitUser) TableName() string {
	return "gitusers"
}

type Commit struct {
	ID            int64     `gorm:"column:id;primaryKey"`
	SHA1          string    `gorm:"column:sha1;size:40;not null;uniqueIndex"`
	AuthorGitUser int64     `gorm:"column:author_gituser;not null"`
	AuthorTime    time.Time `gorm:"column:author_time;not null"`
	CommitGitUser int64     `gorm:"column:commit_gituser;not null"`
	CommitTime    time.Time `gorm:"column:commit_time;not null"`
}

func (Commit) TableName() string {
	return "commits"
}

type Edge struct {
	Parent   int64 `gorm:"column:parent;primaryKey"`
	Child    int64 `gorm:"column:child;primaryKey;index"`
	Position int   `gorm:"column:position;not null;default:0"`
}

func (Edge) TableName() string {
	return "edges"
}

type Branch struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	RepositoryID int64  `gorm:"column:repository;not null;uniqueIndex:idx_branches_repository_name"`
	Name         string `gorm:"column:name;not null;uniqueIndex:idx_branches_repository_name"`
	Head         int64  `gorm:"column:head;not null"`
	BaseBranch   *int64 `gorm:"column:base_branch"`
	Type         string `gorm:"column:type;not null;default:normal"`
	IsArchived   bool   `gorm:"column:is_archived;not null;default:false"`
	Size         int    `gorm:"column:size;not null;default:0"`
}

func (Branch) TableName() string {
	return "branches"
}

type BranchCommit struct {
	BranchID int64 `gorm:"column:branch;primaryKey"`
	CommitID int64 `gorm:"column:commit;primaryKey;index"`
}

func (BranchCommit) TableName() string {
	return "branchcommits"
}

type BranchUpdate struct {
	ID               int64     `gorm:"column:id;primaryKey"`
	BranchID         int64     `gorm:"column:branch;not null;index"`
	UpdaterID        *int64    `gorm:"column:updater"`
	FromHead         *int64    `gorm:"column:from_head"`
	ToHead           int64     `gorm:"column:to_head;not null"`
	FromBaseBranch   *int64    `gorm:"column:from_base_branch"`
	Output           string    `gorm:"column:output;not null;default:''"`
	PendingRefUpdate *int64    `gorm:"column:pendingrefupdate"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

func (BranchUpdate) TableName() string {
	return "branchupdates"
}

type BranchUpdateCommit struct {
	BranchUpdateID int64 `gorm:"column:branchupdate;primaryKey"`
	CommitID       int64 `gorm:"column:commit;primaryKey"`
	Associated     bool  `gorm:"column:associated;not null"`
}

func (BranchUpdateCommit) TableName() string {
	return "branchupdatecommits"
}

type PendingRefUpdate struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	RepositoryID int64          `gorm:"column:repository;not null;index:idx_pendingrefupdates_ref"`
	Name         string         `gorm:"column:name;not null;index:idx_pendingrefupdates_ref"`
	OldSHA1      string         `gorm:"column:old_sha1;size:40;not null"`
	NewSHA1      string         `gorm:"column:new_sha1;size:40;not null"`
	Updater      *int64         `gorm:"column:updater"`
	Flags        datatypes.JSON `gorm:"column:flags"`
	State        string         `gorm:"column:state;not null;default:preliminary;index"`
	StartedAt    time.Time      `gorm:"column:started_at;not null"`
	BranchUpdate *int64         `gorm:"column:branchupdate"`
	Abandoned    bool           `gorm:"column:abandoned;not null;default:false"`
}

func (PendingRefUpdate) TableName() string {
	return "pendingrefupdates"
}

type PendingRefUpdateOutput struct {
	ID                 int64  `gorm:"column:id;primaryKey"`
	PendingRefUpdateID int64  `gorm:"column:pendingrefupdate;not null;index"`
	Output             string `gorm:"column:output;not null"`
	Traceback          bool   `gorm:"column:traceback;not null;default:false"`
}

func (PendingRefUpdateOutput) TableName() string {
	return "pendingrefupdateoutputs"
}

type Review struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	RepositoryID int64   `gorm:"column:repository;not null"`
	BranchID     int64   `gorm:"column:branch;not null;uniqueIndex"`
	State        string  `gorm:"column:state;not null;default:draft"`
	Summary      *string `gorm:"column:summary"`
	ViaPush      bool    `gorm:"column:via_push;not null;default:false"`
}

func (Review) TableName() string {
	return "reviews"
}

type ReviewUser struct {
	ReviewID int64 `gorm:"column:review;primaryKey"`
	UserID   int64 `gorm:"column:uid;primaryKey"`
	Owner    bool  `gorm:"column:owner;not null;default:false"`
}

func (ReviewUser) TableName() string {
	return "reviewusers"
}

type ReviewUpdate struct {
	BranchUpdateID int64     `gorm:"column:branchupdate;primaryKey"`
	ReviewID       int64     `gorm:"column:review;not null;index"`
	UpdaterID      *int64    `gorm:"column:updater"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (ReviewUpdate) TableName() string {
	return "reviewupdates"
}

type ReviewRebase struct {
	ID              int64  `gorm:"column:id;primaryKey"`
	ReviewID        int64  `gorm:"column:review;not null;index"`
	CreatorID       int64  `gorm:"column:uid;not null"`
	Kind            string `gorm:"column:kind;not null"`
	OldUpstream     *int64 `gorm:"column:old_upstream"`
	NewUpstream     *int64 `gorm:"column:new_upstream"`
	EquivalentMerge *int64 `gorm:"column:equivalent_merge"`
	ReplayedRebase  *int64 `gorm:"column:replayed_rebase"`
	BranchUpdate    *int64 `gorm:"column:branchupdate"`
}

func (ReviewRebase) TableName() string {
	return "reviewrebases"
}

type ReviewChangeset struct {
	ReviewID       int64  `gorm:"column:review;primaryKey"`
	ChangesetID    int64  `gorm:"column:changeset;primaryKey"`
	BranchUpdateID *int64 `gorm:"column:branchupdate;index"`
}

func (ReviewChangeset) TableName() string {
	return "reviewchangesets"
}

type ReviewUserFile struct {
	ReviewID    int64  `gorm:"column:review;primaryKey"`
	ChangesetID int64  `gorm:"column:changeset;primaryKey"`
	UserID      int64  `gorm:"column:uid;primaryKey"`
	Path        string `gorm:"column:path;primaryKey"`
}

func (ReviewUserFile) TableName() string {
	return "reviewuserfiles"
}

type ReviewFilter struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	RepositoryID int64  `gorm:"column:repository;not null;index"`
	UserID       int64  `gorm:"column:uid;not null"`
	Path         string `gorm:"column:path;not null"`
	Type         string `gorm:"column:type;not null;default:reviewer"`
}

func (ReviewFilter) TableName() string {
	return "reviewfilters"
}

type CommentChain struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	ReviewID    int64  `gorm:"column:review;not null;index"`
	UserID      int64  `gorm:"column:uid;not null"`
	Type        string `gorm:"column:type;not null;default:issue"`
	State       string `gorm:"column:state;not null;default:open"`
	Path        string `gorm:"column:path"`
	Published   bool   `gorm:"column:published;not null;default:false"`
	AddressedBy *int64 `gorm:"column:addressed_by"`
}

func (CommentChain) TableName() string {
	return "commentchains"
}

type Changeset struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	RepositoryID int64  `gorm:"column:repository;not null"`
	FromCommit   *int64 `gorm:"column:from_commit"`
	ToCommit     int64  `gorm:"column:to_commit;not null;index"`
	Type         string `gorm:"column:type;not null"`
	State        string `gorm:"column:state;not null;default:requested"`
}

func (Changeset) TableName() string {
	return "changesets"
}

type ChangesetFile struct {
	ChangesetID int64  `gorm:"column:changeset;primaryKey"`
	Path        string `gorm:"column:path;primaryKey"`
	Deleted     int    `gorm:"column:deleted;not null;default:0"`
	Inserted    int    `gorm:"column:inserted;not null;default:0"`
}

func (ChangesetFile) TableName() string {
	return "changesetfiles"
}

type TrackedBranch struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	RepositoryID int64  `gorm:"column:repository;not null"`
	LocalName    string `gorm:"column:local_name;not null"`
	Remote       string `gorm:"column:remote;not null"`
	RemoteName   string `gorm:"column:remote_name;not null"`
	Disabled     bool   `gorm:"column:disabled;not null;default:false"`
}

func (TrackedBranch) TableName() string {
	return "trackedbranches"
}

type MergeReplayRequest struct {
	RepositoryID int64     `gorm:"column:repository;primaryKey"`
	MergeID      int64     `gorm:"column:merge;primaryKey"`
	Replay       *int64    `gorm:"column:replay"`
	Traceback    *string   `gorm:"column:traceback"`
	RequestedAt  time.Time `gorm:"column:requested_at;not null"`
}

func (MergeReplayRequest) TableName() string {
	return "mergereplayrequests"
}

type RebaseReplayRequest struct {
	RebaseID       int64     `gorm:"column:rebase;primaryKey"`
	BranchUpdateID int64     `gorm:"column:branchupdate;primaryKey"`
	NewUpstreamID  int64     `gorm:"column:new_upstream;primaryKey"`
	Replay         *int64    `gorm:"column:replay"`
	Traceback      *string   `gorm:"column:traceback"`
	RequestedAt    time.Time `gorm:"column:requested_at;not null"`
}

func (RebaseReplayRequest) TableName() string {
	return "rebasereplayrequests"
}

// AllModels lists every table, in dependency order, for AutoMigrate in tests.
func AllModels() []any {
	return []any{
		&Repository{}, &User{}, &UserRole{}, &Setting{},
		&GitUser{}, &Commit{}, &Edge{},
		&Branch{}, &BranchCommit{}, &BranchUpdate{}, &BranchUpdateCommit{},
		&PendingRefUpdate{}, &PendingRefUpdateOutput{},
		&Review{}, &ReviewUser{}, &ReviewUpdate{}, &ReviewRebase{}, &ReviewChangeset{},
		&ReviewUserFile{}, &ReviewFilter{}, &CommentChain{},
		&Changeset{}, &ChangesetFile{}, &TrackedBranch{},
		&MergeReplayRequest{}, &RebaseReplayRequest{},
	}
}
