package efficiency

import "github.com/jkaberg/ev-charge-tracker/internal/domain"

// Cached holds the last valid value of a series. While held, updates are
// ignored and the held value keeps being republished.
type Cached struct {
	Last domain.Value `json:"last"`
	Held bool         `json:"held"`
}

// Update stores v unless the cache is held or v carries no data.
// It reports whether the stored value changed.
func (c *Cached) Update(v domain.Value) bool {
	if c.Held || !v.Valid {
		return false
	}
	changed := c.Last != v
	c.Last = v
	return changed
}

func (c *Cached) Hold()    { c.Held = true }
func (c *Cached) Release() { c.Held = false }

// Current returns the last valid value, or no data if there never was one.
func (c *Cached) Current() domain.Value { return c.Last }
