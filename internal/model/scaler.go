package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StandardScaler centers and scales feature vectors using statistics
// captured at training time. Transform applies (x - mean) / scale per
// feature, so serving-time inputs land in the same space the classifier
// was fitted in.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// LoadScaler reads scaler parameters from a JSON artifact on disk.
func LoadScaler(path string) (*StandardScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading scaler artifact: %v", domain.ErrModelUnavailable, err)
	}

	var s StandardScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing scaler artifact: %v", domain.ErrModelUnavailable, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) != domain.NumFeatures || len(s.Scale) != domain.NumFeatures {
		return fmt.Errorf("%w: scaler expects %d features, artifact has mean=%d scale=%d",
			domain.ErrModelUnavailable, domain.NumFeatures, len(s.Mean), len(s.Scale))
	}
	for i, sc := range s.Scale {
		if sc == 0 {
			return fmt.Errorf("%w: scaler has zero scale at feature %d", domain.ErrModelUnavailable, i)
		}
	}
	return nil
}

// Transform maps a raw feature vector into the scaled space.
func (s *StandardScaler) Transform(v domain.FeatureVector) domain.FeatureVector {
	var out domain.FeatureVector
	for i := range v {
		out[i] = (v[i] - s.Mean[i]) / s.Scale[i]
	}
	return out
}

// Fit computes mean and population standard deviation per feature over
// the given rows. Constant features get scale 1 so Transform stays
// defined, matching the common fitted-scaler convention.
func Fit(rows []domain.TrainingRow) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to fit scaler", domain.ErrInvalidInput)
	}

	s := &StandardScaler{
		Mean:  make([]float64, domain.NumFeatures),
		Scale: make([]float64, domain.NumFeatures),
	}

	n := float64(len(rows))
	for _, r := range rows {
		for i, v := range r.Features {
			s.Mean[i] += v
		}
	}
	for i := range s.Mean {
		s.Mean[i] /= n
	}

	for _, r := range rows {
		for i, v := range r.Features {
			d := v - s.Mean[i]
			s.Scale[i] += d * d
		}
	}
	for i := range s.Scale {
		s.Scale[i] = math.Sqrt(s.Scale[i] / n)
		if s.Scale[i] == 0 {
			s.Scale[i] = 1
		}
	}
	return s, nil
}

// Save writes the scaler parameters to a JSON artifact.
func (s *StandardScaler) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling scaler: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing scaler artifact: %w", err)
	}
	return nil
}
