package match

import (
	"runtime"
	"slices"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the edit distance at or above which two values are never matched.
const DefaultThreshold = 11

// minChunk keeps small inputs on one goroutine.
const minChunk = 64

// Candidate proposes rewriting Sample to Canonical.
type Candidate struct {
	Sample    string `json:"sample"`
	Canonical string `json:"canonical"`
	Distance  int    `json:"distance"`
}

// Result holds the surviving candidates of one match in sample to canonical form.
type Result struct {
	// Candidates are sorted by ascending distance; no two share a canonical value.
	Candidates []Candidate
	// Swapped is set when the samples came from the right-hand values.
	Swapped bool
	// Unmatched lists samples with no canonical value under the threshold.
	Unmatched []string
}

// SampleSide reports which argument supplied the samples: "left" or "right".
func (r *Result) SampleSide() string {
	if r.Swapped {
		return "right"
	}
	return "left"
}

// Match pairs every value of the larger set with its nearest value in the smaller set and keeps, for
// each value of the smaller set, only the closest sample. Equal sized inputs take samples from left.
func Match(left, right []string, threshold int) *Result {
	return match(left, right, threshold, runtime.GOMAXPROCS(0))
}

type nearest struct {
	canonical string
	distance  int
	found     bool
}

func match(left, right []string, threshold, workers int) *Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	samples, canon := distinctSorted(left), distinctSorted(right)
	res := &Result{}
	if len(canon) > len(samples) {
		samples, canon = canon, samples
		res.Swapped = true
	}
	if len(samples) == 0 || len(canon) == 0 {
		res.Unmatched = samples
		return res
	}

	found := make([]nearest, len(samples))
	chunk := max(minChunk, (len(samples)+workers-1)/max(workers, 1))

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for start := 0; start < len(samples); start += chunk {
		end := min(start+chunk, len(samples))
		g.Go(func() error {
			for i := start; i < end; i++ {
				found[i] = scan(samples[i], canon, threshold)
			}
			return nil
		})
	}
	_ = g.Wait()

	best := make(map[string]int, len(canon))
	for i, n := range found {
		if !n.found {
			res.Unmatched = append(res.Unmatched, samples[i])
			continue
		}
		j, ok := best[n.canonical]
		if !ok {
			best[n.canonical] = len(res.Candidates)
			res.Candidates = append(res.Candidates, Candidate{Sample: samples[i], Canonical: n.canonical, Distance: n.distance})
			continue
		}
		if n.distance < res.Candidates[j].Distance {
			res.Candidates[j] = Candidate{Sample: samples[i], Canonical: n.canonical, Distance: n.distance}
		}
	}

	slices.SortStableFunc(res.Candidates, func(a, b Candidate) int {
		return a.Distance - b.Distance
	})
	return res
}

// scan returns the first canonical value with the smallest distance strictly below threshold.
func scan(sample string, canon []string, threshold int) nearest {
	n := nearest{distance: threshold}
	for _, c := range canon {
		d := levenshtein.ComputeDistance(sample, c)
		if d < n.distance {
			n = nearest{canonical: c, distance: d, found: true}
			if d == 0 {
				break
			}
		}
	}
	return n
}

func distinctSorted(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
