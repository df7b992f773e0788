package embed

import (
	"math"
	"math/rand"
	"sort"
)

const (
	// unigramPower flattens the negative-sampling distribution the same
	// way word2vec does.
	unigramPower = 0.75

	// minLearningRateFactor floors the linear decay so late updates
	// still move.
	minLearningRateFactor = 1e-4

	sigmoidClamp = 6.0
)

// trainer turns walk corpora into embeddings via skip-gram with
// negative sampling. Training is sequential and fully determined by the
// provided rng, so identical inputs produce identical tables.
type trainer struct {
	dim       int
	window    int
	negatives int
	lr        float64
	epochs    int
}

func (t *trainer) train(walks [][]string, rng *rand.Rand) map[string][]float32 {
	vocab, index := buildVocab(walks)
	if len(vocab) == 0 {
		return map[string][]float32{}
	}

	in := make([][]float32, len(vocab))
	out := make([][]float32, len(vocab))
	for i := range vocab {
		in[i] = make([]float32, t.dim)
		out[i] = make([]float32, t.dim)
		for d := 0; d < t.dim; d++ {
			in[i][d] = (rng.Float32() - 0.5) / float32(t.dim)
		}
	}

	sampler := newUnigramSampler(walks, index, len(vocab))

	totalSteps := 0
	for _, w := range walks {
		totalSteps += len(w)
	}
	totalSteps *= t.epochs
	if totalSteps == 0 {
		totalSteps = 1
	}

	grad := make([]float32, t.dim)
	step := 0
	for epoch := 0; epoch < t.epochs; epoch++ {
		for _, walk := range walks {
			for i, center := range walk {
				step++
				lr := t.lr * (1 - float64(step)/float64(totalSteps))
				if lr < t.lr*minLearningRateFactor {
					lr = t.lr * minLearningRateFactor
				}

				ci := index[center]
				lo := i - t.window
				if lo < 0 {
					lo = 0
				}
				hi := i + t.window
				if hi >= len(walk) {
					hi = len(walk) - 1
				}
				for j := lo; j <= hi; j++ {
					if j == i {
						continue
					}
					t.trainPair(in[ci], out, index[walk[j]], 1, lr, grad)
					for k := 0; k < t.negatives; k++ {
						neg := sampler.sample(rng)
						if neg == index[walk[j]] || neg == ci {
							continue
						}
						t.trainPair(in[ci], out, neg, 0, lr, grad)
					}
					applyGrad(in[ci], grad)
				}
			}
		}
	}

	vectors := make(map[string][]float32, len(vocab))
	for i, id := range vocab {
		vectors[id] = in[i]
	}
	return vectors
}

// trainPair runs one SGD step for (center, context) with the given
// label, accumulating the center gradient into grad for a later apply.
func (t *trainer) trainPair(center []float32, out [][]float32, context int, label float64, lr float64, grad []float32) {
	ctx := out[context]
	var dot float64
	for d := range center {
		dot += float64(center[d]) * float64(ctx[d])
	}
	g := float32((label - sigmoid(dot)) * lr)
	for d := range center {
		grad[d] += g * ctx[d]
		ctx[d] += g * center[d]
	}
}

func applyGrad(center, grad []float32) {
	for d := range center {
		center[d] += grad[d]
		grad[d] = 0
	}
}

func sigmoid(x float64) float64 {
	if x > sigmoidClamp {
		return 1
	}
	if x < -sigmoidClamp {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}

func buildVocab(walks [][]string) ([]string, map[string]int) {
	seen := make(map[string]bool)
	for _, w := range walks {
		for _, id := range w {
			seen[id] = true
		}
	}
	vocab := make([]string, 0, len(seen))
	for id := range seen {
		vocab = append(vocab, id)
	}
	sort.Strings(vocab)
	index := make(map[string]int, len(vocab))
	for i, id := range vocab {
		index[id] = i
	}
	return vocab, index
}

// unigramSampler draws negatives proportional to frequency^0.75.
type unigramSampler struct {
	cumulative []float64
	total      float64
}

func newUnigramSampler(walks [][]string, index map[string]int, vocabSize int) *unigramSampler {
	counts := make([]float64, vocabSize)
	for _, w := range walks {
		for _, id := range w {
			counts[index[id]]++
		}
	}
	s := &unigramSampler{cumulative: make([]float64, vocabSize)}
	for i, c := range counts {
		s.total += math.Pow(c, unigramPower)
		s.cumulative[i] = s.total
	}
	return s
}

func (s *unigramSampler) sample(rng *rand.Rand) int {
	if s.total <= 0 {
		return 0
	}
	r := rng.Float64() * s.total
	lo, hi := 0, len(s.cumulative)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if s.cumulative[mid] < r {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
