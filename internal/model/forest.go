package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TreeNode is one node of a fitted decision tree, stored as a flat
// array. Internal nodes route on Feature <= Threshold; leaves carry the
// fraction of fraudulent samples that reached them during training.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Leaf      bool    `json:"leaf"`
}

// Tree is one estimator of the forest.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t *Tree) predict(v domain.FeatureVector) float64 {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return n.Value
		}
		if v[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// ForestClassifier averages the leaf probabilities of its trees, the
// standard soft-voting scheme for a fitted random forest.
type ForestClassifier struct {
	Trees        []Tree `json:"trees"`
	ModelVersion string `json:"version"`
}

// LoadForest reads forest parameters from a JSON artifact.
func LoadForest(path string) (*ForestClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading classifier artifact: %v", domain.ErrModelUnavailable, err)
	}

	var c ForestClassifier
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parsing classifier artifact: %v", domain.ErrModelUnavailable, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *ForestClassifier) validate() error {
	if len(c.Trees) == 0 {
		return fmt.Errorf("%w: forest artifact has no trees", domain.ErrModelUnavailable)
	}
	for ti, t := range c.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d has no nodes", domain.ErrModelUnavailable, ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= domain.NumFeatures {
				return fmt.Errorf("%w: tree %d node %d splits on feature %d",
					domain.ErrModelUnavailable, ti, ni, n.Feature)
			}
			if n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
				return fmt.Errorf("%w: tree %d node %d has out-of-range children",
					domain.ErrModelUnavailable, ti, ni)
			}
			// Children must sit strictly below their parent in the flat
			// array or traversal could cycle and never reach a leaf.
			if n.Left <= ni || n.Right <= ni {
				return fmt.Errorf("%w: tree %d node %d has non-forward children",
					domain.ErrModelUnavailable, ti, ni)
			}
		}
	}
	return nil
}

// PredictProba returns the fraud probability for a scaled feature vector.
func (c *ForestClassifier) PredictProba(v domain.FeatureVector) float64 {
	sum := 0.0
	for i := range c.Trees {
		sum += c.Trees[i].predict(v)
	}
	return sum / float64(len(c.Trees))
}

// Version returns the artifact's model version string.
func (c *ForestClassifier) Version() string {
	if c.ModelVersion == "" {
		return "forest-unversioned"
	}
	return c.ModelVersion
}
