package resolver

import "slices"

// Claim is one input competing for a canonical tag.
type Claim struct {
	Input Input
	Stage Stage
}

// Policy picks the winning claim when several inputs resolve to the same tag.
// claims is never empty and is sorted by stage, then path.
type Policy interface {
	Choose(tag string, claims []Claim) int
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(tag string, claims []Claim) int

func (f PolicyFunc) Choose(tag string, claims []Claim) int { return f(tag, claims) }

// PreferNewest picks the most recently modified source. Equal times keep the
// earlier claim.
func PreferNewest() Policy {
	return PolicyFunc(func(_ string, claims []Claim) int {
		return newest(claims, nil)
	})
}

// PreferOrigin picks a claim from the first listed origin that has one,
// falling back to PreferNewest among the rest.
func PreferOrigin(origins ...string) Policy {
	return PolicyFunc(func(_ string, claims []Claim) int {
		for _, o := range origins {
			idx := make([]int, 0, len(claims))
			for i, c := range claims {
				if c.Input.Origin == o {
					idx = append(idx, i)
				}
			}
			if len(idx) > 0 {
				return newest(claims, idx)
			}
		}
		return newest(claims, nil)
	})
}

// newest returns the index of the newest claim among idx (all claims when idx is nil).
func newest(claims []Claim, idx []int) int {
	if idx == nil {
		idx = make([]int, len(claims))
		for i := range claims {
			idx[i] = i
		}
	}
	best := idx[0]
	for _, i := range idx[1:] {
		if claims[i].Input.ModTime.After(claims[best].Input.ModTime) {
			best = i
		}
	}
	return best
}

func sortClaims(claims []Claim) {
	slices.SortStableFunc(claims, func(a, b Claim) int {
		if a.Stage != b.Stage {
			return int(a.Stage) - int(b.Stage)
		}
		switch {
		case a.Input.Path < b.Input.Path:
			return -1
		case a.Input.Path > b.Input.Path:
			return 1
		}
		return 0
	})
}
