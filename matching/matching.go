// Package matching holds pairwise feature correspondences between views.
package matching

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/sfm/sfmdata"
)

// Pair is an ordered pair of view ids.
type Pair struct {
	I, J sfmdata.Index
}

// NewPair returns the pair with the smaller id first.
func NewPair(a, b sfmdata.Index) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{I: a, J: b}
}

// IndMatch pairs a feature of the first view with a feature of the second view.
type IndMatch struct {
	I sfmdata.Index `json:"i"`
	J sfmdata.Index `json:"j"`
}

// PairwiseMatches maps a view pair to its correspondences per descriptor type.
type PairwiseMatches map[Pair]map[sfmdata.DescType][]IndMatch

// Add appends correspondences of a pair.
func (m PairwiseMatches) Add(p Pair, descType sfmdata.DescType, matches ...IndMatch) {
	byType, ok := m[p]
	if !ok {
		byType = map[sfmdata.DescType][]IndMatch{}
		m[p] = byType
	}
	byType[descType] = append(byType[descType], matches...)
}

// Pairs returns the pairs in ascending order.
func (m PairwiseMatches) Pairs() []Pair {
	pairs := make([]Pair, 0, len(m))
	for p := range m {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].I != pairs[b].I {
			return pairs[a].I < pairs[b].I
		}
		return pairs[a].J < pairs[b].J
	})
	return pairs
}

// Count returns the number of correspondences of a pair over all descriptor types.
func (m PairwiseMatches) Count(p Pair) int {
	n := 0
	for _, matches := range m[p] {
		n += len(matches)
	}
	return n
}

// FilterViews keeps only the pairs whose two views are in the given set.
func (m PairwiseMatches) FilterViews(keep map[sfmdata.Index]bool) PairwiseMatches {
	out := PairwiseMatches{}
	for p, v := range m {
		if keep[p.I] && keep[p.J] {
			out[p] = v
		}
	}
	return out
}

type pairMatchesJSON struct {
	I       sfmdata.Index                   `json:"view_i"`
	J       sfmdata.Index                   `json:"view_j"`
	Matches map[sfmdata.DescType][]IndMatch `json:"matches"`
}

// MarshalJSON encodes the matches as a list sorted by pair.
func (m PairwiseMatches) MarshalJSON() ([]byte, error) {
	out := make([]pairMatchesJSON, 0, len(m))
	for _, p := range m.Pairs() {
		out = append(out, pairMatchesJSON{I: p.I, J: p.J, Matches: m[p]})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes matches written by MarshalJSON.
func (m *PairwiseMatches) UnmarshalJSON(data []byte) error {
	var in []pairMatchesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(PairwiseMatches, len(in))
	for _, pm := range in {
		if pm.I == pm.J {
			return errors.Errorf("matches of view %d with itself", pm.I)
		}
		p := NewPair(pm.I, pm.J)
		if _, ok := out[p]; ok {
			return errors.Errorf("duplicate matches for pair (%d, %d)", p.I, p.J)
		}
		if p.I != pm.I {
			// matches are stored from the lower view id to the higher one
			for descType, matches := range pm.Matches {
				for i, match := range matches {
					matches[i] = IndMatch{I: match.J, J: match.I}
				}
				pm.Matches[descType] = matches
			}
		}
		out[p] = pm.Matches
	}
	*m = out
	return nil
}

// Load reads matches from a JSON file.
func Load(path string) (PairwiseMatches, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open matches file %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	var m PairwiseMatches
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "cannot decode matches file %q", path)
	}
	return m, nil
}

// Save writes matches to a JSON file.
func Save(m PairwiseMatches, path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
