package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"critic/internal/domain"
)

const (
	fieldSeparator  = "\x1f"
	recordSeparator = "\x1e"
	commitFormat    = "--format=%H%x1f%P%x1f%T%x1f%an%x1f%ae%x1f%at%x1f%cn%x1f%ce%x1f%ct%x1e"
)

// CommitInfo is the metadata of one commit object as read from git.
type CommitInfo struct {
	SHA1       string
	Parents    []string
	Tree       string
	Author     domain.GitIdentity
	AuthorTime time.Time
	Committer  domain.GitIdentity
	CommitTime time.Time
}

// LogCommits reads metadata of every commit reachable from include but not from exclude,
// in topological order with children before parents.
func (r *Repository) LogCommits(ctx context.Context, include, exclude []string) ([]CommitInfo, error) {
	if len(include) == 0 {
		return nil, nil
	}
	out, err := r.run(ctx, runOptions{stdin: revisionsInput(include, exclude)},
		"log", "--topo-order", commitFormat, "--stdin")
	if err != nil {
		return nil, err
	}
	return parseCommitRecords(string(out))
}

// ReadCommit reads the metadata of a single commit.
func (r *Repository) ReadCommit(ctx context.Context, commit string) (*CommitInfo, error) {
	out, err := r.run(ctx, runOptions{}, "log", "-1", commitFormat, commit)
	if err != nil {
		return nil, err
	}
	infos, err := parseCommitRecords(string(out))
	if err != nil {
		return nil, err
	}
	if len(infos) != 1 {
		return nil, fmt.Errorf("%s: %w", commit, ErrObjectNotFound)
	}
	return &infos[0], nil
}

func parseCommitRecords(out string) ([]CommitInfo, error) {
	var infos []CommitInfo
	for _, record := range strings.Split(out, recordSeparator) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.Split(record, fieldSeparator)
		if len(fields) != 9 {
			return nil, fmt.Errorf("git: unexpected commit record %q", record)
		}
		authorTime, err := parseTimestamp(fields[5])
		if err != nil {
			return nil, err
		}
		commitTime, err := parseTimestamp(fields[8])
		if err != nil {
			return nil, err
		}
		infos = append(infos, CommitInfo{
			SHA1:       fields[0],
			Parents:    strings.Fields(fields[1]),
			Tree:       fields[2],
			Author:     domain.GitIdentity{Fullname: fields[3], Email: fields[4]},
			AuthorTime: authorTime,
			Committer:  domain.GitIdentity{Fullname: fields[6], Email: fields[7]},
			CommitTime: commitTime,
		})
	}
	return infos, nil
}

func parseTimestamp(s string) (time.Time, error) {
	seconds, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("git: bad timestamp %q: %w", s, err)
	}
	return time.Unix(seconds, 0).UTC(), nil
}
