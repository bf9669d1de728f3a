package detector

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LOF scores a transaction with Local Outlier Factor against the training
// neighborhood stored in the model artifact. Values near 1 mean the point
// sits in a region as dense as its neighbors; larger values mean sparser.
type LOF struct {
	artifact *LOFArtifact
}

// NewLOF wraps a trained LOF artifact.
func NewLOF(artifact *LOFArtifact) (*LOF, error) {
	if artifact == nil {
		return nil, &domain.ConfigurationError{Field: "lof", Reason: "model artifact is required"}
	}
	if err := artifact.validate(); err != nil {
		return nil, err
	}
	return &LOF{artifact: artifact}, nil
}

func (d *LOF) Name() string { return NameLOF }

type neighbor struct {
	idx  int
	dist float64
}

// Score computes LOF(x) = avg(lrd(neighbors)) / lrd(x) over the k nearest
// training points, using the k-distances and densities fitted at training.
func (d *LOF) Score(fv *domain.FeatureVector) domain.DetectorResult {
	a := d.artifact

	x, missing := featureRow(fv, a.Features)
	if missing != "" {
		return failed(NameLOF, "feature %q missing or non-finite", missing)
	}

	neighbors := make([]neighbor, len(a.Points))
	for i, p := range a.Points {
		neighbors[i] = neighbor{idx: i, dist: euclidean(x, p)}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].dist != neighbors[j].dist {
			return neighbors[i].dist < neighbors[j].dist
		}
		return neighbors[i].idx < neighbors[j].idx
	})
	nearest := neighbors[:a.K]

	// lrd(x): inverse of the mean reachability distance to the k nearest.
	var reachSum float64
	for _, n := range nearest {
		reachSum += math.Max(a.KDistances[n.idx], n.dist)
	}
	if reachSum == 0 {
		// x coincides with a dense training cluster: as inlier as it gets.
		return ok(NameLOF, 1.0, a.Calibration)
	}
	lrdX := float64(a.K) / reachSum

	var lrdNeighbors float64
	for _, n := range nearest {
		lrdNeighbors += a.LRDs[n.idx]
	}
	raw := lrdNeighbors / (float64(a.K) * lrdX)
	return ok(NameLOF, raw, a.Calibration)
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
