package groups

import (
	"context"
	"fmt"
)

// Provider resolves a group id to its member user ids. Group membership lives
// in the directory service; the static provider serves deployments that run
// scheduling standalone.
type Provider interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

type staticProvider struct {
	groups map[string][]string
}

// NewStaticProvider serves memberships from a fixed map.
func NewStaticProvider(groups map[string][]string) Provider {
	return &staticProvider{groups: groups}
}

func (p *staticProvider) Members(_ context.Context, groupID string) ([]string, error) {
	members, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", groupID)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}
