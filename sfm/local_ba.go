package sfm

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"go.viam.com/sfm/sfmdata"
)

// covisibilityGraph links the reconstructed views that observe a common landmark.
func (s *SequentialSfM) covisibilityGraph() *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	for _, id := range s.data.ValidViews() {
		g.AddNode(simple.Node(int64(id)))
	}
	for _, landmarkID := range s.data.LandmarkIDs() {
		viewIDs := s.data.Landmarks[landmarkID].ViewIDs()
		for i, a := range viewIDs {
			if g.Node(int64(a)) == nil {
				continue
			}
			for _, b := range viewIDs[i+1:] {
				if g.Node(int64(b)) == nil || g.HasEdgeBetween(int64(a), int64(b)) {
					continue
				}
				g.SetEdge(g.NewEdge(simple.Node(int64(a)), simple.Node(int64(b))))
			}
		}
	}
	return g
}

// viewsWithinDistance returns the views at most distance edges away from any of the sources.
func viewsWithinDistance(g graph.Graph, sources []sfmdata.Index, distance int) map[sfmdata.Index]bool {
	out := map[sfmdata.Index]bool{}
	for _, src := range sources {
		from := g.Node(int64(src))
		if from == nil {
			continue
		}
		bf := traverse.BreadthFirst{
			Visit: func(n graph.Node) { out[sfmdata.Index(n.ID())] = true },
		}
		// nodes are visited when discovered, so stopping at depth distance keeps them all
		bf.Walk(g, from, func(_ graph.Node, depth int) bool { return depth >= distance })
	}
	return out
}

// localScope frees the views close to the new views in the covisibility graph and the landmarks
// they observe. Other views observing those landmarks are held constant.
func (s *SequentialSfM) localScope(newViews []sfmdata.Index) refineScope {
	free := viewsWithinDistance(s.covisibilityGraph(), newViews, s.cfg.LocalBAGraphDistance)
	scope := refineScope{freeViews: free, freeLandmarks: map[sfmdata.Index]bool{}}
	for id, l := range s.data.Landmarks {
		for viewID := range l.Observations {
			if free[viewID] {
				scope.freeLandmarks[id] = true
				break
			}
		}
	}
	s.logger.Debugw("local refinement scope",
		"new_views", newViews,
		"free_views", len(free),
		"free_landmarks", len(scope.freeLandmarks))
	return scope
}
