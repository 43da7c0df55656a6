package fleet

import (
	"fmt"
	"strings"
)

// Group identifies one unit of fleet management: an external work-source
// keyed by owner and repository name. Groups are never persisted on their
// own; they are inferred per invocation from configuration plus the on-disk
// worker directories.
type Group struct {
	Owner  string
	Repo   string
	Labels []string
}

// ParseGroup accepts "owner/repo" or an URL ending in /owner/repo.
func ParseGroup(s string) (Group, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j+1:]
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Group{}, fmt.Errorf("invalid group %q: want owner/repo", s)
	}
	return Group{Owner: parts[0], Repo: parts[1]}, nil
}

// Key is the stable group key and the group directory name.
func (g Group) Key() string { return g.Owner + "-" + g.Repo }

// Slug is the owner/repo form used on the control-plane API.
func (g Group) Slug() string { return g.Owner + "/" + g.Repo }
