// Package gittest builds scratch git repositories for tests.
package gittest

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"testing"

	"critic/internal/git"
)

// Repo is a scratch repository whose commits have deterministic timestamps.
type Repo struct {
	t     testing.TB
	Dir   string
	Git   *git.Repository
	clock int64
}

// New initializes an empty repository in a temporary directory. The test is skipped when
// no git binary is available.
func New(t testing.TB) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	r := &Repo{t: t, Dir: dir, Git: git.NewRepository("git", dir), clock: 1700000000}
	r.Run("init", "-q", "-b", "master")
	r.Run("config", "user.name", "Test User")
	r.Run("config", "user.email", "test@example.org")
	r.Run("config", "commit.gpgsign", "false")
	return r
}

// Run executes git in the repository and returns its trimmed stdout.
func (r *Repo) Run(args ...string) string {
	r.t.Helper()
	return r.run("", nil, args...)
}

func (r *Repo) run(stdin string, env []string, args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), env...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// Tree writes a flat tree containing files (name -> content) and returns its id.
func (r *Repo) Tree(files map[string]string) string {
	r.t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries strings.Builder
	for _, name := range names {
		blob := r.run(files[name], nil, "hash-object", "-w", "--stdin")
		fmt.Fprintf(&entries, "100644 blob %s\t%s\n", blob, name)
	}
	if entries.Len() == 0 {
		return git.EmptyTreeSHA1
	}
	return r.run(entries.String(), nil, "mktree")
}

// Commit creates a commit whose tree holds exactly files, with the given parents.
func (r *Repo) Commit(message string, files map[string]string, parents ...string) string {
	r.t.Helper()
	return r.CommitTree(r.Tree(files), message, parents...)
}

// CommitTree creates a commit of an existing tree.
func (r *Repo) CommitTree(tree, message string, parents ...string) string {
	r.t.Helper()
	r.clock += 60
	date := fmt.Sprintf("%d +0000", r.clock)
	env := []string{
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.org",
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.org",
		"GIT_COMMITTER_DATE=" + date,
	}
	args := []string{"commit-tree", tree}
	for _, parent := range parents {
		args = append(args, "-p", parent)
	}
	return r.run(message+"\n", env, args...)
}

// SetRef points ref at sha1, creating it if needed.
func (r *Repo) SetRef(ref, sha1 string) {
	r.t.Helper()
	r.Run("update-ref", ref, sha1)
}

// Chain creates n commits on top of parent, each adding one file, and returns them oldest first.
func (r *Repo) Chain(parent string, prefix string, n int) []string {
	r.t.Helper()
	files := map[string]string{}
	if parent != "" {
		for _, name := range strings.Fields(r.Run("ls-tree", "--name-only", parent)) {
			files[name] = r.Run("show", parent+":"+name) + "\n"
		}
	}
	commits := make([]string, 0, n)
	for i := range n {
		files[fmt.Sprintf("%s%d.txt", prefix, i)] = fmt.Sprintf("%s %d\n", prefix, i)
		var parents []string
		if parent != "" {
			parents = []string{parent}
		}
		parent = r.Commit(fmt.Sprintf("%s %d", prefix, i), copyFiles(files), parents...)
		commits = append(commits, parent)
	}
	return commits
}

func copyFiles(files map[string]string) map[string]string {
	c := make(map[string]string, len(files))
	for k, v := range files {
		c[k] = v
	}
	return c
}
