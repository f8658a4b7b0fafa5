package githook

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/branches"
	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/git/gittest"
	"critic/internal/ingest"
	"critic/internal/storage"
	"critic/internal/storage/gorm/gormtest"
	"critic/internal/wakebus"
)

type fixture struct {
	t          *testing.T
	tm         storage.TxManager
	repo       *gittest.Repo
	bus        *wakebus.Local
	svc        *Service
	repository *domain.Repository
	alice      *domain.User
	dev        *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tm, _ := gormtest.New(t)
	repo := gittest.New(t)
	bus := wakebus.NewLocal()

	svc, err := New(config.Critic{
		GitBinary:           "git",
		SystemUser:          "critic",
		URLPrefix:           "https://critic.example.org",
		ReviewBranchPattern: config.DefaultReviewBranchPattern,
		PostReceiveTimeout:  2 * time.Second,
	}, tm, bus)
	require.NoError(t, err)
	svc.waitingNoteAfter = 50 * time.Millisecond
	svc.pollCap = 50 * time.Millisecond

	f := &fixture{
		t:          t,
		tm:         tm,
		repo:       repo,
		bus:        bus,
		svc:        svc,
		repository: &domain.Repository{Name: "critic", Path: repo.Dir},
		alice:      &domain.User{Name: "alice", Fullname: "Alice", Email: "alice@example.org"},
		dev:        &domain.User{Name: "dev", Fullname: "Dev", Email: "dev@example.org", Roles: []string{domain.RoleDeveloper}},
	}
	f.do(func(ctx context.Context, tx storage.Tx) error {
		if err := tx.RepositoryRepo().Create(ctx, f.repository); err != nil {
			return err
		}
		if err := tx.UserRepo().Create(ctx, f.alice); err != nil {
			return err
		}
		return tx.UserRepo().Create(ctx, f.dev)
	})
	return f
}

func (f *fixture) do(fn func(ctx context.Context, tx storage.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.tm.Do(context.Background(), fn))
}

func (f *fixture) env() branches.Env {
	return branches.Env{Repository: f.repository, Git: f.repo.Git, URLs: f.svc.urls}
}

// branch records a branch in the database and points its ref at tip.
func (f *fixture) branch(name, tip string, review bool) *domain.Branch {
	f.t.Helper()
	var created *branches.Created
	f.do(func(ctx context.Context, tx storage.Tx) error {
		if _, err := ingest.Commits(ctx, tx, f.repo.Git, f.repository.ID, tip); err != nil {
			return err
		}
		var err error
		created, err = branches.CreateBranch(ctx, tx, f.env(), name, tip, branches.CreateOptions{IsCreatingReview: review})
		if err != nil || !review {
			return err
		}
		review := &domain.Review{
			RepositoryID: f.repository.ID,
			BranchID:     created.Branch.ID,
			Owners:       []int64{f.alice.ID},
			ViaPush:      true,
		}
		if err := tx.ReviewRepo().Create(ctx, review); err != nil {
			return err
		}
		return tx.ReviewRepo().CreateUpdate(ctx, review.ID, created.Update.ID, f.alice.UserID())
	})
	f.repo.SetRef(domain.RefsHeads+name, tip)
	return created.Branch
}

func (f *fixture) send(req Request) []Response {
	f.t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.ServeConn(context.Background(), server)
	}()

	line, err := json.Marshal(req)
	require.NoError(f.t, err)
	_, err = client.Write(append(line, '\n'))
	require.NoError(f.t, err)

	var responses []Response
	decoder := json.NewDecoder(client)
	for {
		var response Response
		if err := decoder.Decode(&response); err != nil {
			break
		}
		responses = append(responses, response)
	}
	<-done
	client.Close()
	return responses
}

func (f *fixture) push(hook, user string, refs ...RefUpdate) []Response {
	return f.send(Request{Hook: hook, UserName: user, RepositoryName: "critic", Environ: map[string]string{}, Refs: refs})
}

func (f *fixture) pending() []domain.PendingRefUpdate {
	f.t.Helper()
	var rows []domain.PendingRefUpdate
	f.do(func(ctx context.Context, tx storage.Tx) error {
		for _, state := range []domain.PendingRefUpdateState{
			domain.PendingRefUpdatePreliminary,
			domain.PendingRefUpdateProcessed,
			domain.PendingRefUpdateFinished,
			domain.PendingRefUpdateFailed,
		} {
			found, err := tx.PendingRefUpdateRepo().ListByState(ctx, state)
			if err != nil {
				return err
			}
			rows = append(rows, found...)
		}
		return nil
	})
	return rows
}

func output(responses []Response) string {
	var lines []string
	for _, r := range responses {
		if r.Output != "" {
			lines = append(lines, r.Output)
		}
	}
	return strings.Join(lines, "\n")
}

func last(responses []Response) Response {
	if len(responses) == 0 {
		return Response{}
	}
	return responses[len(responses)-1]
}

func create(name, sha1 string) RefUpdate {
	return RefUpdate{RefName: name, OldSHA1: domain.ZeroSHA1, NewSHA1: sha1}
}

func TestPreReceive_AcceptsAndRecordsPendingUpdate(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 2)
	wakes := f.bus.Subscribe(wakebus.BranchUpdater)

	responses := f.push(HookPreReceive, "alice", create("refs/heads/master", commits[1]))

	assert.True(t, last(responses).Accept)
	rows := f.pending()
	require.Len(t, rows, 1)
	assert.Equal(t, "refs/heads/master", rows[0].Name)
	assert.Equal(t, domain.ZeroSHA1, rows[0].OldSHA1)
	assert.Equal(t, commits[1], rows[0].NewSHA1)
	assert.Equal(t, domain.PendingRefUpdatePreliminary, rows[0].State)
	require.NotNil(t, rows[0].UpdaterID)
	assert.Equal(t, f.alice.ID, *rows[0].UpdaterID)

	select {
	case <-wakes:
	case <-time.After(time.Second):
		t.Fatal("branch updater was not woken")
	}
}

func TestPreReceive_RemoteUserAndSystemUser(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)

	responses := f.send(Request{
		Hook:           HookPreReceive,
		UserName:       "git",
		RepositoryName: "critic",
		Environ:        map[string]string{"REMOTE_USER": "critic"},
		Refs:           []RefUpdate{create("refs/heads/master", commits[0])},
	})

	assert.True(t, last(responses).Accept)
	rows := f.pending()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].UpdaterID)
}

func TestPreReceive_UnknownUser(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)

	responses := f.push(HookPreReceive, "mallory", create("refs/heads/master", commits[0]))

	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "Unknown user: mallory")
	assert.Empty(t, f.pending())
}

func TestPreReceive_InvalidRefNames(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)

	tests := []struct {
		name    string
		ref     RefUpdate
		details string
	}{
		{"outside refs", create("heads/master", commits[0]), "must start with refs/"},
		{"unknown namespace", create("refs/notes/x", commits[0]), "must be under one of"},
		{"too long", create("refs/heads/"+strings.Repeat("x", 250), commits[0]), "at most 256 characters"},
		{"keepalive mismatch", create("refs/keepalive/"+strings.Repeat("1", 40), commits[0]), "named after the commit"},
		{"short sha1", RefUpdate{RefName: "refs/heads/x", OldSHA1: "0", NewSHA1: commits[0]}, "full SHA-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := f.push(HookPreReceive, "alice", tt.ref)

			assert.True(t, last(responses).Reject)
			assert.Contains(t, output(responses), "Rejected ref: "+tt.ref.RefName)
			assert.Contains(t, output(responses), tt.details)
		})
	}
	assert.Empty(t, f.pending())
}

func TestPreReceive_KeepaliveNamedAfterCommit(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)

	responses := f.push(HookPreReceive, "alice", create(domain.KeepaliveRef(commits[0]), commits[0]))

	assert.True(t, last(responses).Accept)
}

func TestPreReceive_PendingUpdateCollision(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	f.do(func(ctx context.Context, tx storage.Tx) error {
		return tx.PendingRefUpdateRepo().Create(ctx, &domain.PendingRefUpdate{
			RepositoryID: f.repository.ID,
			Name:         "refs/heads/master",
			OldSHA1:      domain.ZeroSHA1,
			NewSHA1:      commits[0],
			UpdaterID:    &f.alice.ID,
		})
	})

	responses := f.push(HookPreReceive, "alice", create("refs/heads/master", commits[0]))

	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "Reason: conflicting update")
	assert.Contains(t, output(responses), "pending update by alice")
	assert.Len(t, f.pending(), 1)
}

func TestPreReceive_FinishedLeftoversAreDeleted(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 2)
	f.do(func(ctx context.Context, tx storage.Tx) error {
		row := &domain.PendingRefUpdate{RepositoryID: f.repository.ID, Name: "refs/heads/master", OldSHA1: domain.ZeroSHA1, NewSHA1: commits[0]}
		if err := tx.PendingRefUpdateRepo().Create(ctx, row); err != nil {
			return err
		}
		if err := tx.PendingRefUpdateRepo().Transition(ctx, row.ID, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateProcessed); err != nil {
			return err
		}
		return tx.PendingRefUpdateRepo().Transition(ctx, row.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFinished)
	})
	f.repo.SetRef("refs/heads/master", commits[0])

	responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/master", OldSHA1: commits[0], NewSHA1: commits[1]})

	assert.True(t, last(responses).Accept)
	rows := f.pending()
	require.Len(t, rows, 1)
	assert.Equal(t, commits[1], rows[0].NewSHA1)
}

func TestPreReceive_CreateConflict(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	f.repo.SetRef("refs/heads/a", commits[0])
	f.repo.SetRef("refs/heads/b/c", commits[0])

	responses := f.push(HookPreReceive, "alice",
		create("refs/heads/a/b", commits[0]),
		create("refs/heads/b", commits[0]),
	)

	assert.True(t, last(responses).Reject)
	text := output(responses)
	assert.Contains(t, text, "Rejected ref: refs/heads/a/b")
	assert.Contains(t, text, "Rejected ref: refs/heads/b\n")
	assert.Contains(t, text, "refs/heads/b/c")
	assert.Empty(t, f.pending())
}

func TestPreReceive_ArchivedBranchConflict(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 2)
	branch := f.branch("old/topic", commits[0], false)
	f.do(func(ctx context.Context, tx storage.Tx) error {
		branch.IsArchived = true
		return tx.BranchRepo().Update(ctx, branch)
	})
	f.repo.Run("update-ref", "-d", "refs/heads/old/topic")
	f.repo.SetRef("refs/heads/master", commits[1])

	responses := f.push(HookPreReceive, "alice", create("refs/heads/old", commits[1]))
	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "refs/heads/old/topic")

	responses = f.push(HookPreReceive, "alice", create("refs/heads/old/topic", commits[1]))
	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "push its head "+commits[0])

	responses = f.push(HookPreReceive, "alice", create("refs/heads/old/topic", commits[0]))
	assert.True(t, last(responses).Accept)
}

func TestPreReceive_RootCommits(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.repo.SetRef("refs/heads/master", master[0])
	unrelated := f.repo.Chain("", "u", 1)

	responses := f.push(HookPreReceive, "alice", create("refs/heads/other", unrelated[0]))
	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "Reason: invalid root commit")
	assert.Contains(t, output(responses), unrelated[0])

	responses = f.push(HookPreReceive, "alice", create(domain.RefsRoots+unrelated[0], unrelated[0]))
	assert.True(t, last(responses).Accept)
}

func TestPreReceive_SystemUserMayNotCreateReviews(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)

	responses := f.push(HookPreReceive, "critic", create("refs/heads/r/topic", commits[0]))

	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "may not submit new reviews")
}

func TestPreReceive_OneInvalidRefRejectsAll(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.branch("master", master[0], false)
	f.branch("bar", master[0], false)
	feature := f.repo.Chain(master[0], "f", 1)

	responses := f.push(HookPreReceive, "alice",
		create("refs/heads/foo", feature[0]),
		RefUpdate{RefName: "refs/heads/bar", OldSHA1: master[1], NewSHA1: feature[0]},
	)

	assert.True(t, last(responses).Reject)
	text := output(responses)
	assert.Contains(t, text, "Rejected ref: refs/heads/bar")
	assert.Contains(t, text, "Reason: invalid branch update")
	assert.Contains(t, text, "unexpected current state")
	assert.NotContains(t, text, "Rejected ref: refs/heads/foo")
	assert.Empty(t, f.pending())
}

func TestPreReceive_ReviewBranchRules(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.branch("master", master[0], false)
	topic := f.repo.Chain(master[0], "r", 2)
	branch := f.branch("r/topic", topic[1], true)
	rewritten := f.repo.Chain(topic[0], "x", 1)

	t.Run("deletion", func(t *testing.T) {
		responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: domain.ZeroSHA1})
		assert.True(t, last(responses).Reject)
		assert.Contains(t, output(responses), "review branches cannot be deleted")
	})

	t.Run("non-fast-forward without rebase", func(t *testing.T) {
		responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: rewritten[0]})
		assert.True(t, last(responses).Reject)
		assert.Contains(t, output(responses), "non-fast-forward update")
	})

	t.Run("fast-forward", func(t *testing.T) {
		more := f.repo.Chain(topic[1], "y", 1)
		responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: more[0]})
		assert.True(t, last(responses).Accept)
		f.do(func(ctx context.Context, tx storage.Tx) error {
			rows, err := tx.PendingRefUpdateRepo().ListForRef(ctx, f.repository.ID, "refs/heads/r/topic")
			if err != nil {
				return err
			}
			return tx.PendingRefUpdateRepo().Delete(ctx, []int64{rows[0].ID})
		})
	})

	f.do(func(ctx context.Context, tx storage.Tx) error {
		review, err := tx.ReviewRepo().GetByBranch(ctx, branch.ID)
		if err != nil {
			return err
		}
		return tx.ReviewRepo().CreateRebase(ctx, &domain.ReviewRebase{
			ReviewID:  review.ID,
			CreatorID: f.alice.ID,
			Kind:      domain.RebaseKindHistoryRewrite,
		})
	})

	t.Run("history rewrite by another user", func(t *testing.T) {
		responses := f.push(HookPreReceive, "dev", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: rewritten[0]})
		assert.True(t, last(responses).Reject)
		assert.Contains(t, output(responses), "rebase prepared by another user")
	})

	t.Run("history rewrite changing the tree", func(t *testing.T) {
		responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: rewritten[0]})
		assert.True(t, last(responses).Reject)
		assert.Contains(t, output(responses), "invalid history rewrite")
	})

	t.Run("history rewrite keeping the tree", func(t *testing.T) {
		tree := f.repo.Run("rev-parse", topic[1]+"^{tree}")
		squashed := f.repo.CommitTree(tree, "squashed", master[0])
		responses := f.push(HookPreReceive, "alice", RefUpdate{RefName: "refs/heads/r/topic", OldSHA1: topic[1], NewSHA1: squashed})
		assert.True(t, last(responses).Accept)
	})
}

func TestPreReceive_TrackedBranch(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.branch("master", master[0], false)
	tracked := &domain.TrackedBranch{RepositoryID: f.repository.ID, LocalName: "master", Remote: "https://example.org/up.git", RemoteName: "main"}
	f.do(func(ctx context.Context, tx storage.Tx) error {
		return tx.TrackedBranchRepo().Create(ctx, tracked)
	})
	update := RefUpdate{RefName: "refs/heads/master", OldSHA1: master[0], NewSHA1: master[1]}

	responses := f.push(HookPreReceive, "alice", update)
	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "updated automatically")

	flags, err := json.Marshal(domain.Flags{TrackedBranchID: &tracked.ID})
	require.NoError(t, err)
	responses = f.send(Request{
		Hook:           HookPreReceive,
		UserName:       "critic",
		RepositoryName: "critic",
		Environ:        map[string]string{"CRITIC_FLAGS": string(flags)},
		Refs:           []RefUpdate{update},
	})
	assert.True(t, last(responses).Accept)
	rows := f.pending()
	require.Len(t, rows, 1)
	assert.JSONEq(t, string(flags), string(rows[0].Flags))
}

// preliminary inserts a pending update as pre-receive would and moves it to state.
func (f *fixture) preliminary(ref RefUpdate, user *domain.User, state domain.PendingRefUpdateState, outputs ...domain.PendingRefUpdateOutput) *domain.PendingRefUpdate {
	f.t.Helper()
	update := &domain.PendingRefUpdate{
		RepositoryID: f.repository.ID,
		Name:         ref.RefName,
		OldSHA1:      ref.OldSHA1,
		NewSHA1:      ref.NewSHA1,
		UpdaterID:    user.UserID(),
	}
	f.do(func(ctx context.Context, tx storage.Tx) error {
		repo := tx.PendingRefUpdateRepo()
		if err := repo.Create(ctx, update); err != nil {
			return err
		}
		for _, output := range outputs {
			if err := repo.AddOutput(ctx, update.ID, output.Output, output.Traceback); err != nil {
				return err
			}
		}
		switch state {
		case domain.PendingRefUpdatePreliminary:
			return nil
		case domain.PendingRefUpdateFailed:
			return repo.Transition(ctx, update.ID, domain.PendingRefUpdatePreliminary, state)
		}
		if err := repo.Transition(ctx, update.ID, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateProcessed); err != nil {
			return err
		}
		if state == domain.PendingRefUpdateFinished {
			return repo.Transition(ctx, update.ID, domain.PendingRefUpdateProcessed, state)
		}
		return nil
	})
	return update
}

func TestPostReceive_StreamsOutputAndCleansUp(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	ref := create("refs/heads/master", commits[0])
	f.preliminary(ref, f.alice, domain.PendingRefUpdateFinished,
		domain.PendingRefUpdateOutput{Output: "Branch created with 1 associated commit:\n  https://critic.example.org/log"})

	responses := f.push(HookPostReceive, "alice", ref)

	assert.True(t, last(responses).Close)
	assert.Equal(t, "Branch created with 1 associated commit:\n  https://critic.example.org/log", output(responses))
	assert.Empty(t, f.pending())
}

func TestPostReceive_PrefixesLinesForSeveralRefs(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	first := create("refs/heads/a", commits[0])
	second := create("refs/heads/b", commits[0])
	f.preliminary(first, f.alice, domain.PendingRefUpdateFinished, domain.PendingRefUpdateOutput{Output: "one\ntwo"})
	f.preliminary(second, f.alice, domain.PendingRefUpdateFinished, domain.PendingRefUpdateOutput{Output: "three"})

	responses := f.push(HookPostReceive, "alice", first, second)

	assert.Equal(t, "refs/heads/a: one\nrefs/heads/a: two\nrefs/heads/b: three", output(responses))
}

func TestPostReceive_WaitsForProcessing(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	ref := create("refs/heads/master", commits[0])
	update := f.preliminary(ref, f.alice, domain.PendingRefUpdatePreliminary)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = f.tm.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			repo := tx.PendingRefUpdateRepo()
			if err := repo.AddOutput(ctx, update.ID, "done", false); err != nil {
				return err
			}
			if err := repo.Transition(ctx, update.ID, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateProcessed); err != nil {
				return err
			}
			return repo.Transition(ctx, update.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFinished)
		})
	}()

	responses := f.push(HookPostReceive, "alice", ref)

	text := output(responses)
	assert.Contains(t, text, waitingNote)
	assert.True(t, strings.HasSuffix(text, "done"))
	assert.True(t, last(responses).Close)
	assert.Empty(t, f.pending())
}

func TestPostReceive_FailedCreationIsRewound(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	ref := create("refs/heads/topic", commits[0])
	f.repo.SetRef(ref.RefName, commits[0])
	f.preliminary(ref, f.alice, domain.PendingRefUpdateFailed,
		domain.PendingRefUpdateOutput{Output: "panic: boom\n\ngoroutine 1", Traceback: true})

	responses := f.push(HookPostReceive, "alice", ref)

	text := output(responses)
	assert.Contains(t, text, "An error occurred while creating refs/heads/topic.")
	assert.NotContains(t, text, "goroutine")
	assert.Contains(t, text, "refs/heads/topic: failed => reset back to: oblivion")
	assert.True(t, last(responses).Close)

	value, err := f.repo.Git.CurrentValue(context.Background(), ref.RefName)
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSHA1, value)
	keepalive, err := f.repo.Git.CurrentValue(context.Background(), domain.KeepaliveRef(commits[0]))
	require.NoError(t, err)
	assert.Equal(t, commits[0], keepalive)
	assert.Empty(t, f.pending())
}

func TestPostReceive_DevelopersSeeTracebacks(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 2)
	ref := RefUpdate{RefName: "refs/heads/master", OldSHA1: commits[0], NewSHA1: commits[1]}
	f.repo.SetRef(ref.RefName, commits[1])
	f.preliminary(ref, f.dev, domain.PendingRefUpdateFailed,
		domain.PendingRefUpdateOutput{Output: "panic: boom\n\ngoroutine 1", Traceback: true})

	responses := f.push(HookPostReceive, "dev", ref)

	text := output(responses)
	assert.Contains(t, text, "goroutine 1")
	assert.Contains(t, text, "refs/heads/master: failed => reset back to: "+commits[0])
	value, err := f.repo.Git.CurrentValue(context.Background(), ref.RefName)
	require.NoError(t, err)
	assert.Equal(t, commits[0], value)
}

func TestPostReceive_TimeoutAbandons(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	ref := create("refs/heads/master", commits[0])
	f.preliminary(ref, f.alice, domain.PendingRefUpdatePreliminary)
	f.do(func(ctx context.Context, tx storage.Tx) error {
		return tx.SettingRepo().Set(ctx, "postReceiveTimeout", "1", nil, &f.repository.ID)
	})

	started := time.Now()
	responses := f.push(HookPostReceive, "alice", ref)

	assert.GreaterOrEqual(t, time.Since(started), time.Second)
	assert.Contains(t, output(responses), "Timed out waiting for Critic to process the update!")
	assert.True(t, last(responses).Close)
	rows := f.pending()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Abandoned)
	assert.Equal(t, domain.PendingRefUpdatePreliminary, rows[0].State)
}

func TestPostReceive_TimeoutStillRewindsConcludedFailures(t *testing.T) {
	f := newFixture(t)
	commits := f.repo.Chain("", "m", 1)
	failed := create("refs/heads/a", commits[0])
	finished := create("refs/heads/b", commits[0])
	slow := create("refs/heads/c", commits[0])
	f.repo.SetRef(failed.RefName, commits[0])
	f.repo.SetRef(finished.RefName, commits[0])
	f.preliminary(failed, f.alice, domain.PendingRefUpdateFailed,
		domain.PendingRefUpdateOutput{Output: "panic: boom", Traceback: true})
	f.preliminary(finished, f.alice, domain.PendingRefUpdateFinished, domain.PendingRefUpdateOutput{Output: "ok"})
	f.preliminary(slow, f.alice, domain.PendingRefUpdatePreliminary)
	f.do(func(ctx context.Context, tx storage.Tx) error {
		return tx.SettingRepo().Set(ctx, "postReceiveTimeout", "1", nil, &f.repository.ID)
	})

	responses := f.push(HookPostReceive, "alice", failed, finished, slow)

	text := output(responses)
	assert.Contains(t, text, "failed => reset back to: oblivion")
	assert.Contains(t, text, "Timed out waiting for Critic to process the update!")
	assert.True(t, last(responses).Close)

	value, err := f.repo.Git.CurrentValue(context.Background(), failed.RefName)
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSHA1, value)
	value, err = f.repo.Git.CurrentValue(context.Background(), finished.RefName)
	require.NoError(t, err)
	assert.Equal(t, commits[0], value)

	rows := f.pending()
	require.Len(t, rows, 1)
	assert.Equal(t, slow.RefName, rows[0].Name)
	assert.True(t, rows[0].Abandoned)
}

func TestServeConn_MalformedRequest(t *testing.T) {
	f := newFixture(t)
	client, server := net.Pipe()
	go f.svc.ServeConn(context.Background(), server)

	_, err := client.Write([]byte("not json\n"))
	require.NoError(t, err)
	var responses []Response
	decoder := json.NewDecoder(client)
	for {
		var response Response
		if err := decoder.Decode(&response); err != nil {
			break
		}
		responses = append(responses, response)
	}

	assert.True(t, last(responses).Reject)
}

func TestServeConn_UnsupportedHook(t *testing.T) {
	f := newFixture(t)

	responses := f.push("update", "alice")

	assert.True(t, last(responses).Reject)
	assert.Contains(t, output(responses), "Unsupported hook: update")
}
