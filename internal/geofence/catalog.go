package geofence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ConfigStore supplies geofence definitions at start and on refresh.
type ConfigStore interface {
	Load(ctx context.Context) ([]Geofence, error)
}

// ConfigWriter is implemented by stores that persist runtime edits.
type ConfigWriter interface {
	Save(ctx context.Context, g Geofence) error
	SetActive(ctx context.Context, id string, active bool) error
}

// Catalog holds the current definitions. Readers get an immutable snapshot;
// writers replace it.
type Catalog struct {
	mu     sync.RWMutex
	fences []Geofence
}

func NewCatalog(fences []Geofence) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(fences); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns every definition. Callers must not modify it.
func (c *Catalog) Snapshot() []Geofence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fences
}

func (c *Catalog) Active() []Geofence {
	all := c.Snapshot()
	out := make([]Geofence, 0, len(all))
	for _, g := range all {
		if g.Active {
			out = append(out, g)
		}
	}
	return out
}

func (c *Catalog) Get(id string) (Geofence, error) {
	for _, g := range c.Snapshot() {
		if g.ID == id {
			return g, nil
		}
	}
	return Geofence{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Replace validates and installs a full set of definitions.
func (c *Catalog) Replace(fences []Geofence) error {
	if err := validateAll(fences); err != nil {
		return err
	}
	next := append([]Geofence(nil), fences...)
	c.mu.Lock()
	c.fences = next
	c.mu.Unlock()
	return nil
}

// Toggle flips a definition's active flag and returns the updated copy.
func (c *Catalog) Toggle(id string) (Geofence, error) {
	return c.update(id, func(g *Geofence) { g.Active = !g.Active })
}

// SetActive sets a definition's active flag and returns the updated copy.
func (c *Catalog) SetActive(id string, active bool) (Geofence, error) {
	return c.update(id, func(g *Geofence) { g.Active = active })
}

func (c *Catalog) update(id string, fn func(g *Geofence)) (Geofence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, g := range c.fences {
		if g.ID != id {
			continue
		}
		next := append([]Geofence(nil), c.fences...)
		fn(&next[i])
		c.fences = next
		return next[i], nil
	}
	return Geofence{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Remove drops a definition.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, g := range c.fences {
		if g.ID != id {
			continue
		}
		next := make([]Geofence, 0, len(c.fences)-1)
		next = append(next, c.fences[:i]...)
		c.fences = append(next, c.fences[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add installs a new definition, generating an id when missing.
func (c *Catalog) Add(g Geofence) (Geofence, error) {
	if g.ID == "" {
		g.ID = "gf_" + uuid.NewString()
	}
	g = g.WithDefaults()
	if err := g.Validate(); err != nil {
		return Geofence{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.fences {
		if cur.ID == g.ID {
			return Geofence{}, fmt.Errorf("%w: duplicate id %q", ErrInvalid, g.ID)
		}
	}
	next := make([]Geofence, len(c.fences), len(c.fences)+1)
	copy(next, c.fences)
	c.fences = append(next, g)
	return g, nil
}

// Refresh reloads definitions from store. A failed load or an invalid set
// leaves the current definitions in place.
func (c *Catalog) Refresh(ctx context.Context, store ConfigStore) error {
	fences, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load geofences: %w", err)
	}
	return c.Replace(fences)
}
