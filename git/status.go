package git

import (
	"context"
	"sort"
	"strings"

	"github.com/grovetools/prdflow/command"
)

// StatusInfo is the working tree state of a repository.
type StatusInfo struct {
	Branch string `json:"branch"`

	// Staged, Modified and Untracked hold repository-relative paths.
	Staged    []string `json:"staged,omitempty"`
	Modified  []string `json:"modified,omitempty"`
	Untracked []string `json:"untracked,omitempty"`

	IsDirty bool `json:"is_dirty"`
}

// Changed returns every path with uncommitted changes, sorted and without
// duplicates.
func (s *StatusInfo) Changed() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{s.Staged, s.Modified, s.Untracked} {
		for _, p := range group {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// GetStatus returns the working tree status of the repository at path.
func GetStatus(ctx context.Context, path string) (*StatusInfo, error) {
	// A single porcelain v2 call gives both the branch header and file entries.
	output, err := run(ctx, command.NewSafeBuilder(), path, "status", "--porcelain=v2", "--branch", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parseStatus(output), nil
}

func parseStatus(output string) *StatusInfo {
	status := &StatusInfo{}
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "# ") {
			parts := strings.Fields(line)
			if len(parts) >= 3 && parts[1] == "branch.head" {
				status.Branch = parts[2]
			}
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "?":
			status.Untracked = append(status.Untracked, strings.TrimPrefix(line, "? "))
		case "1", "2":
			// 1 XY sub mH mI mW hH hI path
			// 2 XY sub mH mI mW hH hI Xscore path<TAB>origPath
			fields := 9
			if parts[0] == "2" {
				fields = 10
			}
			entry := strings.SplitN(line, " ", fields)
			if len(entry) < fields {
				continue
			}
			path, _, _ := strings.Cut(entry[fields-1], "\t")
			xy := parts[1]
			if xy[0] != '.' {
				status.Staged = append(status.Staged, path)
			}
			if len(xy) > 1 && xy[1] != '.' {
				status.Modified = append(status.Modified, path)
			}
		case "u":
			entry := strings.SplitN(line, " ", 11)
			if len(entry) == 11 {
				status.Modified = append(status.Modified, entry[10])
			}
		}
	}
	status.IsDirty = len(status.Staged)+len(status.Modified)+len(status.Untracked) > 0
	return status
}
