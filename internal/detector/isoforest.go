package detector

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// IsolationForest scores a transaction with a pre-trained isolation forest:
// the shorter the average path to isolate the point, the more anomalous it
// is. The raw score is the standard s(x) = 2^(-E[h(x)]/c(n)) in (0,1).
type IsolationForest struct {
	artifact *ForestArtifact

	// cn is c(sampleSize), precomputed once.
	cn float64

	// features is the union of split features, for input validation.
	features []string
}

// NewIsolationForest wraps a trained forest artifact.
func NewIsolationForest(artifact *ForestArtifact) (*IsolationForest, error) {
	if artifact == nil {
		return nil, &domain.ConfigurationError{Field: "isolationForest", Reason: "model artifact is required"}
	}
	if err := artifact.validate(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var features []string
	for _, t := range artifact.Trees {
		for _, n := range t.Nodes {
			if !n.Leaf && !seen[n.Feature] {
				seen[n.Feature] = true
				features = append(features, n.Feature)
			}
		}
	}

	return &IsolationForest{
		artifact: artifact,
		cn:       avgPathLength(artifact.SampleSize),
		features: features,
	}, nil
}

func (d *IsolationForest) Name() string { return NameIsolationForest }

// Score averages the isolation path length over all trees.
func (d *IsolationForest) Score(fv *domain.FeatureVector) domain.DetectorResult {
	for _, f := range d.features {
		if x, present := fv.Feature(f); !present || !finite(x) {
			return failed(NameIsolationForest, "feature %q missing or non-finite", f)
		}
	}

	var total float64
	for _, tree := range d.artifact.Trees {
		total += pathLength(tree, fv)
	}
	avg := total / float64(len(d.artifact.Trees))

	raw := math.Pow(2, -avg/d.cn)
	return ok(NameIsolationForest, raw, d.artifact.Calibration)
}

// pathLength walks one tree to the leaf isolating fv and returns the path
// depth plus the standard adjustment for the leaf's unsplit sample size.
func pathLength(tree Tree, fv *domain.FeatureVector) float64 {
	depth := 0.0
	idx := 0
	for {
		node := tree.Nodes[idx]
		if node.Leaf {
			if node.Size > 1 {
				depth += avgPathLength(node.Size)
			}
			return depth
		}
		x, _ := fv.Feature(node.Feature)
		if x < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

const eulerMascheroni = 0.5772156649015329

// avgPathLength is c(n), the average path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
