package session

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileOp is an acknowledged change to chat membership.
type FileOp int

const (
	FileAdd FileOp = iota
	FileRemove
)

// FileEntry is one row of the file view.
type FileEntry struct {
	Path   string `json:"path"`
	InChat bool   `json:"in_chat"`
}

// FileView tracks which repository files are in the chat. It only changes
// through Reconcile with server truth or Apply after an acknowledged request.
type FileView struct {
	all    []string
	inChat map[string]struct{}
}

// NewFileView returns an empty view.
func NewFileView() *FileView {
	return &FileView{inChat: make(map[string]struct{})}
}

// Reconcile replaces the view with the server-reported inventory.
func (v *FileView) Reconcile(all, inChat []string) {
	v.all = append([]string(nil), all...)
	v.inChat = make(map[string]struct{}, len(inChat))
	for _, p := range inChat {
		v.inChat[p] = struct{}{}
	}
}

// Apply records an acknowledged add or remove and returns the paths whose
// membership actually changed. Applying the same op twice changes nothing the
// second time.
func (v *FileView) Apply(op FileOp, paths []string) []string {
	var changed []string
	for _, p := range paths {
		_, present := v.inChat[p]
		switch op {
		case FileAdd:
			if !present {
				v.inChat[p] = struct{}{}
				changed = append(changed, p)
			}
		case FileRemove:
			if present {
				delete(v.inChat, p)
				changed = append(changed, p)
			}
		}
	}
	return changed
}

// Contains reports whether path is in the chat.
func (v *FileView) Contains(path string) bool {
	_, ok := v.inChat[path]
	return ok
}

// Known reports whether path is part of the inventory.
func (v *FileView) Known(path string) bool {
	for _, p := range v.all {
		if p == path {
			return true
		}
	}
	return false
}

// All returns the inventory in server order.
func (v *FileView) All() []string {
	return append([]string(nil), v.all...)
}

// InChat returns the in-chat paths: inventory order first, then any in-chat
// path the inventory does not list, in sorted order.
func (v *FileView) InChat() []string {
	out := make([]string, 0, len(v.inChat))
	seen := make(map[string]struct{}, len(v.inChat))
	for _, p := range v.all {
		if _, ok := v.inChat[p]; ok {
			out = append(out, p)
			seen[p] = struct{}{}
		}
	}
	var extra []string
	for p := range v.inChat {
		if _, ok := seen[p]; !ok {
			extra = append(extra, p)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Entries returns the display order: in-chat entries before the rest, each
// group keeping the server order.
func (v *FileView) Entries() []FileEntry {
	return v.partition(v.all)
}

// Filter returns the entries matching query in display order. A query with
// glob metacharacters is matched as a doublestar pattern, anything else as a
// case-insensitive substring. The view itself is not modified.
func (v *FileView) Filter(query string) []FileEntry {
	query = strings.TrimSpace(query)
	if query == "" {
		return v.Entries()
	}
	glob := strings.ContainsAny(query, "*?[{")
	lower := strings.ToLower(query)

	matched := make([]string, 0, len(v.all))
	for _, p := range v.all {
		if glob {
			if ok, err := doublestar.Match(query, p); err == nil && ok {
				matched = append(matched, p)
			}
			continue
		}
		if strings.Contains(strings.ToLower(p), lower) {
			matched = append(matched, p)
		}
	}
	return v.partition(matched)
}

func (v *FileView) partition(paths []string) []FileEntry {
	out := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		if v.Contains(p) {
			out = append(out, FileEntry{Path: p, InChat: true})
		}
	}
	for _, p := range paths {
		if !v.Contains(p) {
			out = append(out, FileEntry{Path: p})
		}
	}
	return out
}
