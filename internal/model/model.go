// Package model loads fitted scoring artifacts and runs inference on
// assembled feature vectors. Artifacts are plain JSON written by the
// training pipeline; nothing here learns online.
package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Classifier turns a scaled feature vector into a fraud probability
// in [0, 1]. Implementations are immutable after load and safe for
// concurrent use.
type Classifier interface {
	PredictProba(v domain.FeatureVector) float64
	Version() string
}

// Bundle pairs a fitted scaler with its classifier. The two must come
// from the same training run; scoring with a mismatched pair produces
// garbage probabilities without failing.
type Bundle struct {
	Scaler     *StandardScaler
	Classifier Classifier
}

// Load builds a Bundle from the configured artifact paths. An empty
// ScalerPath and ClassifierPath yields the built-in pretrained logistic
// model, which keeps the default tier runnable out of the box.
func Load(cfg domain.ModelConfig) (*Bundle, error) {
	if cfg.ScalerPath == "" && cfg.ClassifierPath == "" {
		return &Bundle{
			Scaler:     PretrainedScaler(),
			Classifier: PretrainedLogistic(),
		}, nil
	}

	scaler, err := LoadScaler(cfg.ScalerPath)
	if err != nil {
		return nil, err
	}

	var clf Classifier
	switch cfg.Type {
	case "", domain.ModelTypeLogistic:
		clf, err = LoadLogistic(cfg.ClassifierPath)
	case domain.ModelTypeForest:
		clf, err = LoadForest(cfg.ClassifierPath)
	default:
		return nil, fmt.Errorf("%w: unknown model type %q", domain.ErrModelUnavailable, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return &Bundle{Scaler: scaler, Classifier: clf}, nil
}

// PretrainedScaler returns scaler statistics fitted offline on the
// reference transaction corpus.
func PretrainedScaler() *StandardScaler {
	return &StandardScaler{
		Mean:  []float64{250.0, 12.0, 3000.0, 250.0, 40.0, 10000.0, 250.0},
		Scale: []float64{400.0, 10.0, 4000.0, 200.0, 35.0, 9000.0, 180.0},
	}
}

// PretrainedLogistic returns logistic regression weights fitted offline
// on the reference transaction corpus. Transaction amount dominates,
// with deviation from the entity averages carrying most of the rest.
func PretrainedLogistic() *LogisticClassifier {
	return &LogisticClassifier{
		Weights:      []float64{1.10, -0.35, 0.20, -0.55, -0.15, 0.10, -0.40},
		Bias:         -2.2,
		ModelVersion: "logistic-pretrained-1.0.0",
	}
}
