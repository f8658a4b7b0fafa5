package git

import (
	"context"
	"strconv"
	"strings"

	"critic/internal/domain"
)

// DiffNumstat returns per-file inserted/deleted line counts between two commits.
// An empty from diffs against the empty tree. Binary files count as zero lines.
func (r *Repository) DiffNumstat(ctx context.Context, from, to string) ([]domain.ChangesetFile, error) {
	if from == "" {
		from = EmptyTreeSHA1
	}
	out, err := r.run(ctx, runOptions{}, "diff", "--numstat", "-z", "--no-renames", from, to)
	if err != nil {
		return nil, err
	}

	var files []domain.ChangesetFile
	for _, record := range strings.Split(string(out), "\x00") {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		inserted, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		files = append(files, domain.ChangesetFile{
			Path:     fields[2],
			Inserted: inserted,
			Deleted:  deleted,
		})
	}
	return files, nil
}
