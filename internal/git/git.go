// Package git runs an external git binary against a repository directory.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
)

// EmptyTreeSHA1 is the id of the tree with no entries.
const EmptyTreeSHA1 = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

var (
	ErrRefNotFound    = errors.New("git: reference not found")
	ErrObjectNotFound = errors.New("git: object not found")
)

// Error contains all the components of a failed git invocation.
type Error struct {
	Args     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s (in %s): exit status %d", strings.Join(e.Args, " "), e.Dir, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Identity is used for commits created by Critic itself.
type Identity struct {
	Name  string
	Email string
	Time  time.Time
}

func (id Identity) env(prefix string) []string {
	env := []string{
		prefix + "_NAME=" + id.Name,
		prefix + "_EMAIL=" + id.Email,
	}
	if !id.Time.IsZero() {
		env = append(env, prefix+"_DATE="+strconv.FormatInt(id.Time.Unix(), 10)+" +0000")
	}
	return env
}

// Repository is a handle to an on-disk git repository. It is cheap to copy.
type Repository struct {
	binary string
	path   string
	env    []string
}

func NewRepository(binary, path string) *Repository {
	if binary == "" {
		binary = "git"
	}
	return &Repository{binary: binary, path: path}
}

func (r *Repository) Path() string {
	return r.path
}

// WithEnvironment returns a handle whose invocations carry the given GIT_* variables,
// e.g. the object quarantine of a running pre-receive hook.
func (r *Repository) WithEnvironment(environ map[string]string) *Repository {
	clone := *r
	clone.env = append([]string(nil), r.env...)
	keys := make([]string, 0, len(environ))
	for key := range environ {
		if strings.HasPrefix(key, "GIT_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		clone.env = append(clone.env, key+"="+environ[key])
	}
	return &clone
}

type runOptions struct {
	dir   string
	stdin io.Reader
	env   []string
}

func (r *Repository) run(ctx context.Context, opts runOptions, args ...string) ([]byte, error) {
	dir := opts.dir
	if dir == "" {
		dir = r.path
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = opts.stdin
	cmd.Env = append(append(os.Environ(), r.env...), opts.env...)

	start := time.Now()
	err := cmd.Run()

	log.Debug().
		Str("layer", "git").
		Str("dir", dir).
		Strs("args", args).
		Dur("duration", time.Since(start)).
		Msg("git invocation")

	if err != nil {
		gitErr := &Error{
			Args:     args,
			Dir:      dir,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gitErr.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), gitErr
	}
	return stdout.Bytes(), nil
}

func (r *Repository) runString(ctx context.Context, args ...string) (string, error) {
	out, err := r.run(ctx, runOptions{}, args...)
	return strings.TrimSpace(string(out)), err
}

func exitCode(err error) int {
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr.ExitCode
	}
	return -1
}

// RevParse resolves rev to a full object id.
func (r *Repository) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.runString(ctx, "rev-parse", "--verify", "--quiet", rev)
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("%s: %w", rev, ErrObjectNotFound)
		}
		return "", err
	}
	return out, nil
}

// ResolveRef returns the commit a ref points at, or ErrRefNotFound.
func (r *Repository) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := r.runString(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("%s: %w", ref, ErrRefNotFound)
		}
		return "", err
	}
	return out, nil
}

// CurrentValue returns the commit a ref points at, or ZeroSHA1 when the ref does not exist.
func (r *Repository) CurrentValue(ctx context.Context, ref string) (string, error) {
	sha1, err := r.ResolveRef(ctx, ref)
	if errors.Is(err, ErrRefNotFound) {
		return domain.ZeroSHA1, nil
	}
	return sha1, err
}

// RevList lists commits reachable from include but not from exclude, newest first.
func (r *Repository) RevList(ctx context.Context, include, exclude []string, extra ...string) ([]string, error) {
	if len(include) == 0 {
		return nil, nil
	}
	args := append([]string{"rev-list"}, extra...)
	args = append(args, "--stdin")
	out, err := r.run(ctx, runOptions{stdin: revisionsInput(include, exclude)}, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

func revisionsInput(include, exclude []string) io.Reader {
	var b strings.Builder
	for _, rev := range include {
		b.WriteString(rev + "\n")
	}
	for _, rev := range exclude {
		b.WriteString("^" + rev + "\n")
	}
	return strings.NewReader(b.String())
}

// Range returns the commits reachable from to but not from from. A zero from means everything.
func (r *Repository) Range(ctx context.Context, from, to string) ([]string, error) {
	var exclude []string
	if from != "" && from != domain.ZeroSHA1 {
		exclude = []string{from}
	}
	return r.RevList(ctx, []string{to}, exclude)
}

// MergeBase returns the best common ancestor, or "" if the commits have unrelated histories.
func (r *Repository) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.runString(ctx, "merge-base", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant (a commit is its own ancestor).
func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.run(ctx, runOptions{}, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// UpdateRef moves ref to newValue, optionally verifying that it currently is oldValue.
// Pass ZeroSHA1 as oldValue to require that the ref does not exist.
func (r *Repository) UpdateRef(ctx context.Context, ref, newValue, oldValue string) error {
	args := []string{"update-ref", ref, newValue}
	if oldValue != "" {
		args = append(args, oldValue)
	}
	_, err := r.run(ctx, runOptions{}, args...)
	return err
}

// DeleteRef deletes ref, optionally verifying its current value.
func (r *Repository) DeleteRef(ctx context.Context, ref, oldValue string) error {
	args := []string{"update-ref", "-d", ref}
	if oldValue != "" {
		args = append(args, oldValue)
	}
	_, err := r.run(ctx, runOptions{}, args...)
	return err
}

// KeepAlive pins sha1 under refs/keepalive/ so that garbage collection cannot reap it.
func (r *Repository) KeepAlive(ctx context.Context, sha1 string) error {
	return r.UpdateRef(ctx, domain.KeepaliveRef(sha1), sha1, "")
}

// ListRefs returns ref name -> object id for all refs under prefix.
func (r *Repository) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	out, err := r.run(ctx, runOptions{}, "for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	for _, line := range splitLines(string(out)) {
		sha1, name, ok := strings.Cut(line, " ")
		if ok {
			refs[name] = sha1
		}
	}
	return refs, nil
}

// Roots lists the root commits reachable from any ref. Empty for an empty repository.
func (r *Repository) Roots(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, runOptions{}, "rev-list", "--max-parents=0", "--all")
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// NewRoots lists root commits reachable from tips that are not reachable from any existing ref.
func (r *Repository) NewRoots(ctx context.Context, tips []string) ([]string, error) {
	if len(tips) == 0 {
		return nil, nil
	}
	args := []string{"rev-list", "--max-parents=0"}
	args = append(args, tips...)
	args = append(args, "--not", "--all")
	out, err := r.run(ctx, runOptions{}, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// Tree returns the tree id of a commit.
func (r *Repository) Tree(ctx context.Context, commit string) (string, error) {
	return r.RevParse(ctx, commit+"^{tree}")
}

// Message returns the full commit message.
func (r *Repository) Message(ctx context.Context, commit string) (string, error) {
	out, err := r.run(ctx, runOptions{}, "log", "-1", "--format=%B", commit)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Parents returns the parent ids of a commit, first parent first.
func (r *Repository) Parents(ctx context.Context, commit string) ([]string, error) {
	out, err := r.runString(ctx, "log", "-1", "--format=%P", commit)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// CommitTree creates a commit object without touching any ref or worktree.
func (r *Repository) CommitTree(ctx context.Context, tree string, parents []string, message string, identity Identity) (string, error) {
	args := []string{"commit-tree", tree}
	for _, parent := range parents {
		args = append(args, "-p", parent)
	}
	env := append(identity.env("GIT_AUTHOR"), identity.env("GIT_COMMITTER")...)
	out, err := r.run(ctx, runOptions{stdin: strings.NewReader(message), env: env}, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func splitLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
