package detector

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Artifacts bundles the pre-trained model parameters for the three ML
// detectors. Training happens offline; each artifact ships with the
// calibration fitted at training time so inference stays deterministic.
type Artifacts struct {
	Forest *ForestArtifact `json:"isolationForest,omitempty"`
	LOF    *LOFArtifact    `json:"lof,omitempty"`
	SVM    *SVMArtifact    `json:"ocsvm,omitempty"`
}

// LoadArtifacts reads a JSON artifact bundle from disk.
func LoadArtifacts(path string) (*Artifacts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifacts: %w", err)
	}
	var a Artifacts
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse model artifacts: %w", err)
	}
	return &a, nil
}

// TreeNode is one node of an isolation tree. Internal nodes split on a
// feature; leaves record how many training samples ended up there.
type TreeNode struct {
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Size      int     `json:"size,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
}

// Tree is an isolation tree stored as a node slice; index 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// ForestArtifact holds a trained isolation forest.
type ForestArtifact struct {
	Trees       []Tree      `json:"trees"`
	SampleSize  int         `json:"sampleSize"`
	Calibration Calibration `json:"calibration"`
}

func (a *ForestArtifact) validate() error {
	if len(a.Trees) == 0 {
		return &domain.ConfigurationError{Field: "isolationForest.trees", Reason: "at least one tree is required"}
	}
	if a.SampleSize < 2 {
		return &domain.ConfigurationError{Field: "isolationForest.sampleSize", Reason: "sample size must be at least 2"}
	}
	for i, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return &domain.ConfigurationError{Field: "isolationForest.trees", Reason: fmt.Sprintf("tree %d is empty", i)}
		}
		for _, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
				return &domain.ConfigurationError{Field: "isolationForest.trees", Reason: fmt.Sprintf("tree %d has an out-of-range child index", i)}
			}
		}
	}
	return a.Calibration.Validate()
}

// LOFArtifact holds the training neighborhood needed to score Local Outlier
// Factor at inference: the training points with their precomputed k-distances
// and local reachability densities.
type LOFArtifact struct {
	Features    []string    `json:"features"`
	Points      [][]float64 `json:"points"`
	K           int         `json:"k"`
	KDistances  []float64   `json:"kDistances"`
	LRDs        []float64   `json:"lrds"`
	Calibration Calibration `json:"calibration"`
}

func (a *LOFArtifact) validate() error {
	if len(a.Features) == 0 {
		return &domain.ConfigurationError{Field: "lof.features", Reason: "feature list is required"}
	}
	if a.K <= 0 {
		return &domain.ConfigurationError{Field: "lof.k", Reason: "neighbor count must be positive"}
	}
	if len(a.Points) <= a.K {
		return &domain.ConfigurationError{Field: "lof.points", Reason: "need more training points than neighbors"}
	}
	if len(a.KDistances) != len(a.Points) || len(a.LRDs) != len(a.Points) {
		return &domain.ConfigurationError{Field: "lof", Reason: "kDistances and lrds must match the point count"}
	}
	for i, p := range a.Points {
		if len(p) != len(a.Features) {
			return &domain.ConfigurationError{Field: "lof.points", Reason: fmt.Sprintf("point %d dimension mismatch", i)}
		}
	}
	return a.Calibration.Validate()
}

// SVMArtifact holds a trained one-class SVM with an RBF kernel.
type SVMArtifact struct {
	Features       []string    `json:"features"`
	SupportVectors [][]float64 `json:"supportVectors"`
	Coefficients   []float64   `json:"coefficients"`
	Rho            float64     `json:"rho"`
	Gamma          float64     `json:"gamma"`
	Calibration    Calibration `json:"calibration"`
}

func (a *SVMArtifact) validate() error {
	if len(a.Features) == 0 {
		return &domain.ConfigurationError{Field: "ocsvm.features", Reason: "feature list is required"}
	}
	if len(a.SupportVectors) == 0 {
		return &domain.ConfigurationError{Field: "ocsvm.supportVectors", Reason: "at least one support vector is required"}
	}
	if len(a.Coefficients) != len(a.SupportVectors) {
		return &domain.ConfigurationError{Field: "ocsvm.coefficients", Reason: "coefficient count must match support vectors"}
	}
	if a.Gamma <= 0 {
		return &domain.ConfigurationError{Field: "ocsvm.gamma", Reason: "gamma must be positive"}
	}
	for i, sv := range a.SupportVectors {
		if len(sv) != len(a.Features) {
			return &domain.ConfigurationError{Field: "ocsvm.supportVectors", Reason: fmt.Sprintf("support vector %d dimension mismatch", i)}
		}
	}
	return a.Calibration.Validate()
}

// featureRow extracts the ordered feature values a model artifact expects.
// Returns the name of the first missing/non-finite feature, if any.
func featureRow(fv *domain.FeatureVector, features []string) ([]float64, string) {
	row := make([]float64, len(features))
	for i, f := range features {
		x, present := fv.Feature(f)
		if !present || !finite(x) {
			return nil, f
		}
		row[i] = x
	}
	return row, ""
}
