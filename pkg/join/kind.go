// Package join correlates two series on the time axis: exact-timestamp
// set joins plus as-of matching, with optional value reducers and
// bucketed aggregation of the reduced result.
package join

import "fmt"

// Kind selects the join semantics.
type Kind int

const (
	// Inner keeps timestamps present in both series.
	Inner Kind = iota
	// Left keeps every left timestamp; the right side may be absent.
	Left
	// Right keeps every right timestamp; the left side may be absent.
	Right
	// Full keeps every timestamp from either side.
	Full
	// Anti keeps left timestamps with no right counterpart.
	Anti
	// Semi keeps left timestamps that have a right counterpart,
	// discarding the right value.
	Semi
	// AsOf matches each left sample to a nearby right sample.
	AsOf
)

var kindNames = map[Kind]string{
	Inner: "inner",
	Left:  "left",
	Right: "right",
	Full:  "full",
	Anti:  "anti",
	Semi:  "semi",
	AsOf:  "asof",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("join(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return Inner, fmt.Errorf("unknown join kind %q", s)
}

// Direction picks the as-of candidate relative to the left timestamp.
type Direction int

const (
	// Previous takes the latest right sample at or before.
	Previous Direction = iota
	// Next takes the earliest right sample at or after.
	Next
	// Nearest takes the smaller absolute distance, ties going to
	// Previous.
	Nearest
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "previous", "prior":
		return Previous, nil
	case "next":
		return Next, nil
	case "nearest":
		return Nearest, nil
	}
	return Previous, fmt.Errorf("unknown as-of direction %q", s)
}

// AsOfSpec tunes as-of matching. Tolerance zero means unbounded; a
// candidate farther than Tolerance milliseconds leaves the row
// unmatched. AllowExactMatch false skips a right sample at exactly the
// left timestamp.
type AsOfSpec struct {
	Direction       Direction
	Tolerance       int64
	AllowExactMatch bool
}
