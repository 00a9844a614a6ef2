package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LogisticClassifier is a fitted logistic regression: a linear
// combination of the scaled features passed through a sigmoid.
type LogisticClassifier struct {
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	ModelVersion string    `json:"version"`
}

// LoadLogistic reads logistic regression parameters from a JSON artifact.
func LoadLogistic(path string) (*LogisticClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading classifier artifact: %v", domain.ErrModelUnavailable, err)
	}

	var c LogisticClassifier
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parsing classifier artifact: %v", domain.ErrModelUnavailable, err)
	}
	if len(c.Weights) != domain.NumFeatures {
		return nil, fmt.Errorf("%w: classifier expects %d weights, artifact has %d",
			domain.ErrModelUnavailable, domain.NumFeatures, len(c.Weights))
	}
	return &c, nil
}

// PredictProba returns the fraud probability for a scaled feature vector.
func (c *LogisticClassifier) PredictProba(v domain.FeatureVector) float64 {
	sum := c.Bias
	for i, w := range c.Weights {
		sum += w * v[i]
	}
	return sigmoid(sum)
}

// Version returns the artifact's model version string.
func (c *LogisticClassifier) Version() string {
	if c.ModelVersion == "" {
		return "logistic-unversioned"
	}
	return c.ModelVersion
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
