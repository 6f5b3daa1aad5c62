//go:build linux

package proactor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Group spreads sockets over several self-driven proactors. A socket is
// always placed on the same member for a given group size.
type Group struct {
	loops []*Proactor
}

func NewGroup(config Config, size int) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("proactor: group size must be positive: %d", size)
	}
	if config.Name == "" {
		config.Name = uuid.NewString()
	}
	config.Mode = SelfDriven.String()
	base := config.Name
	g := &Group{loops: make([]*Proactor, 0, size)}
	for i := 0; i < size; i++ {
		config.Name = fmt.Sprintf("%s-%d", base, i)
		p, err := New(config)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.loops = append(g.loops, p)
	}
	return g, nil
}

// For returns the member responsible for s.
func (g *Group) For(s *Socket) *Proactor {
	return g.loops[JumpHash(uint64(s.Fd()), len(g.loops))]
}

func (g *Group) Len() int {
	return len(g.loops)
}

func (g *Group) Stats() []Stats {
	stats := make([]Stats, len(g.loops))
	for i, p := range g.loops {
		stats[i] = p.Stats()
	}
	return stats
}

func (g *Group) Close() error {
	var errs []error
	for _, p := range g.loops {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
