// ABOUTME: Resolves participant references to display profiles
// ABOUTME: Backed by a Directory; the system participant is synthesized

package participant

import (
	"context"
	"fmt"
)

// SystemName is the display name of the system participant.
const SystemName = "System"

// Directory looks up profiles by reference. Implementations return
// ErrNotFound for unknown references.
type Directory interface {
	GetProfile(ctx context.Context, ref Ref) (*Profile, error)
}

// Resolver turns references into profiles.
type Resolver struct {
	dir Directory
}

// NewResolver creates a Resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the profile for ref or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*Profile, error) {
	if ref.Kind == KindSystem {
		return &Profile{Ref: System, Name: SystemName, Active: true}, nil
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	p, err := r.dir.GetProfile(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Names resolves display names for a batch of refs, looking each one up
// at most once. Unresolvable refs map to an empty name.
func (r *Resolver) Names(ctx context.Context, refs []Ref) map[Ref]string {
	out := make(map[Ref]string, len(refs))
	for _, ref := range refs {
		if _, done := out[ref]; done {
			continue
		}
		p, err := r.Resolve(ctx, ref)
		if err != nil {
			out[ref] = ""
			continue
		}
		out[ref] = p.Name
	}
	return out
}
