package logdata

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Filter selects the commits of a DataPack that are shown. The zero value
// shows everything.
type Filter struct {
	Roots  []Root
	Text   string
	Regex  bool
	Author string
	Branch string
}

func (f Filter) IsEmpty() bool {
	return len(f.Roots) == 0 && strings.TrimSpace(f.Text) == "" &&
		strings.TrimSpace(f.Author) == "" && strings.TrimSpace(f.Branch) == ""
}

func (f Filter) String() string {
	if f.IsEmpty() {
		return "<none>"
	}
	var parts []string
	if len(f.Roots) > 0 {
		roots := make([]string, len(f.Roots))
		for i, r := range f.Roots {
			roots[i] = string(r)
		}
		parts = append(parts, "roots="+strings.Join(roots, ","))
	}
	if f.Text != "" {
		mode := "text"
		if f.Regex {
			mode = "regex"
		}
		parts = append(parts, fmt.Sprintf("%s=%q", mode, f.Text))
	}
	if f.Author != "" {
		parts = append(parts, fmt.Sprintf("author=%q", f.Author))
	}
	if f.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%q", f.Branch))
	}
	return strings.Join(parts, " ")
}

type matcher struct {
	roots  []Root
	text   string
	re     *regexp.Regexp
	author string
	branch map[CommitID]struct{}
}

func (f Filter) compile(pack *DataPack) (*matcher, error) {
	m := &matcher{
		roots:  f.Roots,
		author: strings.ToLower(strings.TrimSpace(f.Author)),
	}
	text := strings.TrimSpace(f.Text)
	if text != "" {
		if f.Regex {
			re, err := regexp.Compile("(?i)" + text)
			if err != nil {
				return nil, fmt.Errorf("compile filter %q: %w", text, err)
			}
			m.re = re
		} else {
			m.text = strings.ToLower(text)
		}
	}
	if branch := strings.TrimSpace(f.Branch); branch != "" {
		m.branch = reachableFrom(pack, branch)
	}
	return m, nil
}

func (m *matcher) matches(c Commit) bool {
	if len(m.roots) > 0 && !slices.Contains(m.roots, c.ID.Root) {
		return false
	}
	if m.branch != nil {
		if _, ok := m.branch[c.ID]; !ok {
			return false
		}
	}
	if m.author != "" {
		who := strings.ToLower(c.Author.Name + " " + c.Author.Email)
		if !strings.Contains(who, m.author) {
			return false
		}
	}
	if m.re != nil {
		return m.re.MatchString(c.SearchText())
	}
	if m.text != "" {
		return strings.Contains(c.SearchText(), m.text)
	}
	return true
}

// reachableFrom collects the commits reachable through parent links from
// every ref named branch.
func reachableFrom(pack *DataPack, branch string) map[CommitID]struct{} {
	seen := map[CommitID]struct{}{}
	var stack []CommitID
	for _, ref := range pack.Refs() {
		if ref.Name == branch {
			stack = append(stack, ref.Target())
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		commit, ok := pack.Commit(id)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		for _, parent := range commit.Parents {
			stack = append(stack, CommitID{Root: id.Root, Hash: parent})
		}
	}
	return seen
}
