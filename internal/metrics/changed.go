package metrics

import "math"

// jitter below this is not worth a publish
const tolerance = 1e-6

// Changed reports whether cur differs from prev in anything but timestamps
// and float noise.
func Changed(prev, cur []Metric) bool {
	if len(prev) != len(cur) {
		return true
	}
	for i := range cur {
		p, c := prev[i], cur[i]
		if p.Name != c.Name {
			return true
		}
		if (p.Value == nil) != (c.Value == nil) || (p.On == nil) != (c.On == nil) {
			return true
		}
		if p.Value != nil && math.Abs(*p.Value-*c.Value) > tolerance {
			return true
		}
		if p.On != nil && *p.On != *c.On {
			return true
		}
	}
	return false
}
