package domain

import (
	"encoding/json"
	"math"
)

// Value is a derived reading that may not have been measured yet. A zero
// Value is "no data", which is different from a measured 0.
type Value struct {
	V     float64
	Valid bool
}

// NoData is the unmeasured Value.
func NoData() Value { return Value{} }

// Of wraps a measured reading. Non-finite input collapses to NoData.
func Of(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NoData()
	}
	return Value{V: v, Valid: true}
}

// Ratio divides num by den, reporting NoData when den is not positive.
func Ratio(num, den float64) Value {
	if den <= 0 || math.IsNaN(den) || math.IsNaN(num) {
		return NoData()
	}
	return Of(num / den)
}

// Ptr returns nil for NoData, which is how it is rendered on the wire.
func (v Value) Ptr() *float64 {
	if !v.Valid {
		return nil
	}
	f := v.V
	return &f
}

// Round rounds a valid value to the given number of decimals.
func (v Value) Round(places int) Value {
	if !v.Valid {
		return v
	}
	p := math.Pow(10, float64(places))
	return Value{V: math.Round(v.V*p) / p, Valid: true}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Ptr())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var f *float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f == nil {
		*v = NoData()
		return nil
	}
	*v = Of(*f)
	return nil
}
