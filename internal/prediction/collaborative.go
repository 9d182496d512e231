package prediction

// Recommendation is a key surfaced by sessions similar to the current one.
type Recommendation struct {
	Key        string  `json:"key"`
	Similarity float64 `json:"similarity"`
}

// CollaborativeStrategy finds keys requested by similar sessions.
type CollaborativeStrategy interface {
	Recommend(ctx Context) []Recommendation
}

// StaticCollaborative returns a fixed recommendation list. It stands in for a
// nearest-neighbour implementation; the zero value recommends nothing.
type StaticCollaborative struct {
	SimilarSessions []string
	Recommendations []Recommendation
}

func (s StaticCollaborative) Recommend(Context) []Recommendation {
	out := make([]Recommendation, len(s.Recommendations))
	copy(out, s.Recommendations)
	return out
}
