// Package predict ranks the capabilities a workflow is likely to need
// next, combining embedding similarity, structural importance, and the
// TD-learned confidence of the specific transition edge.
package predict

import (
	"sort"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/embed"
	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/model"
)

// Predictor scores candidate next capabilities for a workflow.
type Predictor struct {
	graph          *graph.Store
	embeddings     *embed.Engine
	topK           int
	semanticWeight float64
}

// New creates a predictor over the shared graph and embedding engine.
func New(g *graph.Store, e *embed.Engine, cfg config.PredictorConfig) *Predictor {
	return &Predictor{
		graph:          g,
		embeddings:     e,
		topK:           cfg.TopK,
		semanticWeight: cfg.SemanticWeight,
	}
}

// Next returns ranked candidates for the workflow's next step. An empty
// result means prediction is unavailable (no completed step yet, unknown
// capability, or no outgoing edges); callers fall back to synchronous
// execution, it is not an error.
//
// Ordering is deterministic: score descending, then cost estimate
// ascending, then capability id.
func (p *Predictor) Next(state *model.WorkflowState) []model.Candidate {
	rep := state.LastCapability()
	if rep == "" {
		return nil
	}
	edges := p.graph.Neighbors(rep)
	if len(edges) == 0 {
		return nil
	}

	table := p.embeddings.Table()
	repVec, repOK := table.Vector(rep)
	maxImp := p.graph.MaxImportance()

	candidates := make([]model.Candidate, 0, len(edges))
	for _, e := range edges {
		node, err := p.graph.Node(e.Target)
		if err != nil || node.Deprecated {
			continue
		}

		imp := 0.0
		if maxImp > 0 {
			imp = node.Importance / maxImp
		}

		// Confidence is discounted by the weight of evidence: a
		// transition seen once says less than one seen fifty times.
		conf := e.Confidence * (1 - 1/(1+e.Weight))

		sem := 0.0
		semUsed := false
		if repOK {
			if candVec, ok := table.Vector(e.Target); ok {
				sem = clamp01(embed.Cosine(repVec, candVec))
				semUsed = true
			}
		}

		var score float64
		if semUsed {
			score = p.semanticWeight*sem + (1-p.semanticWeight)*(imp+conf)/2
		} else {
			// No embedding for this pair: the structural bucket
			// takes the full weight.
			score = (imp + conf) / 2
		}

		candidates = append(candidates, model.Candidate{
			Capability:     e.Target,
			Confidence:     clamp01(score),
			CostEstimateMS: node.MeanCostMS,
			Derivation: model.Derivation{
				Semantic:       sem,
				Importance:     imp,
				PathConfidence: conf,
				SemanticUsed:   semUsed,
			},
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		if candidates[i].CostEstimateMS != candidates[j].CostEstimateMS {
			return candidates[i].CostEstimateMS < candidates[j].CostEstimateMS
		}
		return candidates[i].Capability < candidates[j].Capability
	})

	if len(candidates) > p.topK {
		candidates = candidates[:p.topK]
	}
	return candidates
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
