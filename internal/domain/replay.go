package domain

import (
	"fmt"
	"net/url"
	"strings"
)

const conflictsHeader = "Conflicts:"

// FormatReplayMessage builds the commit message of a replay commit. Unmerged paths are recorded
// in the message so that whoever reads the replay later can tell a clean replay from a conflicted one.
func FormatReplayMessage(summary string, conflicts []string) string {
	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n")
	if len(conflicts) > 0 {
		b.WriteString("\n" + conflictsHeader + "\n")
		for _, path := range conflicts {
			b.WriteString("\t" + path + "\n")
		}
	}
	return b.String()
}

// ParseReplayConflicts extracts the unmerged paths recorded by FormatReplayMessage. The summary
// line is skipped.
func ParseReplayConflicts(message string) []string {
	lines := strings.Split(message, "\n")
	var conflicts []string
	inSection := false
	for _, line := range lines[1:] {
		switch {
		case line == conflictsHeader:
			inSection = true
		case inSection && strings.HasPrefix(line, "\t"):
			conflicts = append(conflicts, strings.TrimPrefix(line, "\t"))
		case inSection:
			inSection = false
		}
	}
	return conflicts
}

// URLs builds links into the review UI for output sent back to pushing clients.
type URLs struct {
	Prefix string
}

func (u URLs) Branch(repository, branch string) string {
	return fmt.Sprintf("%s/log?repository=%s&branch=%s",
		u.Prefix, url.QueryEscape(repository), url.QueryEscape(branch))
}

func (u URLs) CreateReview(repository, branch string) string {
	return fmt.Sprintf("%s/createreview?repository=%s&branch=%s",
		u.Prefix, url.QueryEscape(repository), url.QueryEscape(branch))
}

func (u URLs) Review(reviewID int64) string {
	return fmt.Sprintf("%s/r/%d", u.Prefix, reviewID)
}

func (u URLs) Comment(reviewID, chainID int64) string {
	return fmt.Sprintf("%s/r/%d#c%d", u.Prefix, reviewID, chainID)
}
