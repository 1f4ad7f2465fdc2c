// Package track fuses pairwise feature correspondences into multi-view tracks.
package track

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/utils"
)

// Track is the set of features, one per view, that observe the same scene point.
type Track struct {
	DescType sfmdata.DescType
	// Features maps a view id to a feature id in that view.
	Features map[sfmdata.Index]sfmdata.Index
}

// Len returns the number of observations of the track.
func (t Track) Len() int {
	return len(t.Features)
}

// ViewIDs returns the observing views in ascending order.
func (t Track) ViewIDs() []sfmdata.Index {
	ids := make([]sfmdata.Index, 0, len(t.Features))
	for v := range t.Features {
		ids = append(ids, v)
	}
	sortIndices(ids)
	return ids
}

// TracksMap maps a track id to its track.
type TracksMap map[sfmdata.Index]Track

// TracksPerView maps a view id to the sorted ids of the tracks visible in it.
type TracksPerView map[sfmdata.Index][]sfmdata.Index

// BuildStats summarizes a track fusion.
type BuildStats struct {
	Nodes     int
	Edges     int
	Conflicts int
	TooShort  int
	Tracks    int
	// SelfMatches counts the matches between a view and itself, which are skipped.
	SelfMatches int
}

// node is a feature of one view.
type node struct {
	view     sfmdata.Index
	descType sfmdata.DescType
	feature  sfmdata.Index
}

func (n node) less(o node) bool {
	if n.view != o.view {
		return n.view < o.view
	}
	if n.descType != o.descType {
		return n.descType < o.descType
	}
	return n.feature < o.feature
}

type edge struct {
	a, b node
}

// BuildTracks fuses the correspondences into tracks: two features belong to the same track iff
// a chain of matches connects them. Tracks observing a view more than once are discarded as
// ambiguous, tracks shorter than minLength are dropped. Track ids are assigned in ascending order
// of their smallest feature so the result does not depend on map iteration order.
func BuildTracks(ctx context.Context, matches matching.PairwiseMatches, minLength int) (TracksMap, BuildStats, error) {
	var stats BuildStats
	if minLength < 2 {
		minLength = 2
	}
	pairs := matches.Pairs()
	edgesPerPair := make([][]edge, len(pairs))
	selfMatches := make([]int, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(utils.ParallelFactor)
	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if p.I == p.J {
				for _, m := range matches[p] {
					selfMatches[i] += len(m)
				}
				return nil
			}
			var edges []edge
			for _, descType := range sortedDescTypes(matches[p]) {
				for _, m := range matches[p][descType] {
					edges = append(edges, edge{
						a: node{view: p.I, descType: descType, feature: m.I},
						b: node{view: p.J, descType: descType, feature: m.J},
					})
				}
			}
			edgesPerPair[i] = edges
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	for _, n := range selfMatches {
		stats.SelfMatches += n
	}

	ids := map[node]int64{}
	var nodes []node
	nodeID := func(n node) int64 {
		if id, ok := ids[n]; ok {
			return id
		}
		id := int64(len(nodes))
		ids[n] = id
		nodes = append(nodes, n)
		return id
	}
	graphOfMatches := simple.NewUndirectedGraph()
	for _, edges := range edgesPerPair {
		for _, e := range edges {
			a, b := nodeID(e.a), nodeID(e.b)
			if graphOfMatches.Node(a) == nil {
				graphOfMatches.AddNode(simple.Node(a))
			}
			if graphOfMatches.Node(b) == nil {
				graphOfMatches.AddNode(simple.Node(b))
			}
			if a != b && !graphOfMatches.HasEdgeBetween(a, b) {
				graphOfMatches.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
				stats.Edges++
			}
		}
	}
	stats.Nodes = len(nodes)
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	components := topo.ConnectedComponents(graphOfMatches)
	type candidate struct {
		first node
		track Track
	}
	candidates := make([]candidate, 0, len(components))
	for _, comp := range components {
		t, first, ok := componentTrack(comp, nodes)
		if !ok {
			stats.Conflicts++
			continue
		}
		if t.Len() < minLength {
			stats.TooShort++
			continue
		}
		candidates = append(candidates, candidate{first: first, track: t})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].first.less(candidates[j].first) })

	tracks := make(TracksMap, len(candidates))
	for i, c := range candidates {
		tracks[sfmdata.Index(i)] = c.track
	}
	stats.Tracks = len(tracks)
	return tracks, stats, nil
}

// componentTrack turns a connected component into a track. It fails if a view appears twice.
func componentTrack(comp []graph.Node, nodes []node) (Track, node, bool) {
	t := Track{Features: make(map[sfmdata.Index]sfmdata.Index, len(comp))}
	var first node
	for i, gn := range comp {
		n := nodes[gn.ID()]
		if _, ok := t.Features[n.view]; ok {
			return Track{}, node{}, false
		}
		t.Features[n.view] = n.feature
		t.DescType = n.descType
		if i == 0 || n.less(first) {
			first = n
		}
	}
	return t, first, true
}

// ComputeTracksPerView indexes the tracks by view.
func ComputeTracksPerView(tracks TracksMap) TracksPerView {
	perView := TracksPerView{}
	for id, t := range tracks {
		for v := range t.Features {
			perView[v] = append(perView[v], id)
		}
	}
	for _, ids := range perView {
		sortIndices(ids)
	}
	return perView
}

// CommonTracksInImages returns the sorted ids of the tracks visible in every given view.
func CommonTracksInImages(views []sfmdata.Index, perView TracksPerView) []sfmdata.Index {
	if len(views) == 0 {
		return nil
	}
	common := append([]sfmdata.Index(nil), perView[views[0]]...)
	for _, v := range views[1:] {
		common = intersectSorted(common, perView[v])
		if len(common) == 0 {
			break
		}
	}
	return common
}

// TracksInImages returns the tracks visible in every given view, restricted to those views.
func TracksInImages(views []sfmdata.Index, tracks TracksMap, perView TracksPerView) TracksMap {
	out := TracksMap{}
	for _, id := range CommonTracksInImages(views, perView) {
		t := tracks[id]
		sub := Track{DescType: t.DescType, Features: make(map[sfmdata.Index]sfmdata.Index, len(views))}
		for _, v := range views {
			sub.Features[v] = t.Features[v]
		}
		out[id] = sub
	}
	return out
}

// TrackLengthHistogram counts tracks per length.
func TrackLengthHistogram(tracks TracksMap) map[int]int {
	hist := map[int]int{}
	for _, t := range tracks {
		hist[t.Len()]++
	}
	return hist
}

// FilterByLength returns the tracks with at least minLength observations.
func FilterByLength(tracks TracksMap, minLength int) TracksMap {
	out := make(TracksMap, len(tracks))
	for id, t := range tracks {
		if t.Len() >= minLength {
			out[id] = t
		}
	}
	return out
}

func intersectSorted(a, b []sfmdata.Index) []sfmdata.Index {
	out := a[:0]
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func sortedDescTypes(m map[sfmdata.DescType][]matching.IndMatch) []sfmdata.DescType {
	types := make([]sfmdata.DescType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func sortIndices(ids []sfmdata.Index) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
