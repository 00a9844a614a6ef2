package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

func TestStandardScaler(t *testing.T) {
	t.Run("Transform", func(t *testing.T) {
		s := &StandardScaler{
			Mean:  []float64{100, 5, 500, 100, 10, 1000, 100},
			Scale: []float64{50, 2, 250, 50, 5, 500, 50},
		}

		got := s.Transform(domain.FeatureVector{150, 7, 750, 150, 15, 1500, 150})
		want := domain.FeatureVector{1, 1, 1, 1, 1, 1, 1}
		if got != want {
			t.Errorf("Transform = %v, want %v", got, want)
		}

		// Mean input maps to the zero vector.
		got = s.Transform(domain.FeatureVector{100, 5, 500, 100, 10, 1000, 100})
		if got != (domain.FeatureVector{}) {
			t.Errorf("mean input should scale to zero, got %v", got)
		}
	})

	t.Run("LoadValid", func(t *testing.T) {
		path := writeArtifact(t, "scaler.json",
			`{"mean":[1,2,3,4,5,6,7],"scale":[1,1,1,1,1,1,1]}`)
		s, err := LoadScaler(path)
		if err != nil {
			t.Fatalf("LoadScaler failed: %v", err)
		}
		if s.Mean[6] != 7 {
			t.Errorf("unexpected mean: %v", s.Mean)
		}
	})

	t.Run("LoadWrongArity", func(t *testing.T) {
		path := writeArtifact(t, "scaler.json", `{"mean":[1,2],"scale":[1,1]}`)
		_, err := LoadScaler(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("LoadZeroScale", func(t *testing.T) {
		path := writeArtifact(t, "scaler.json",
			`{"mean":[0,0,0,0,0,0,0],"scale":[1,1,1,0,1,1,1]}`)
		_, err := LoadScaler(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("LoadMissingFile", func(t *testing.T) {
		_, err := LoadScaler("/nonexistent/scaler.json")
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("FitRoundTrip", func(t *testing.T) {
		rows := []domain.TrainingRow{
			{Features: domain.FeatureVector{10, 1, 10, 10, 1, 10, 10}},
			{Features: domain.FeatureVector{30, 3, 30, 30, 3, 30, 30}},
		}
		s, err := Fit(rows)
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		if s.Mean[0] != 20 {
			t.Errorf("expected mean 20, got %v", s.Mean[0])
		}
		if math.Abs(s.Scale[0]-10) > 1e-9 {
			t.Errorf("expected scale 10, got %v", s.Scale[0])
		}

		path := filepath.Join(t.TempDir(), "scaler.json")
		if err := s.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		loaded, err := LoadScaler(path)
		if err != nil {
			t.Fatalf("LoadScaler failed: %v", err)
		}
		if loaded.Mean[0] != s.Mean[0] || loaded.Scale[0] != s.Scale[0] {
			t.Error("round trip changed scaler parameters")
		}
	})

	t.Run("FitConstantFeature", func(t *testing.T) {
		rows := []domain.TrainingRow{
			{Features: domain.FeatureVector{5, 1, 5, 5, 1, 5, 5}},
			{Features: domain.FeatureVector{5, 2, 5, 5, 2, 5, 5}},
		}
		s, err := Fit(rows)
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		if s.Scale[0] != 1 {
			t.Errorf("constant feature should get scale 1, got %v", s.Scale[0])
		}
	})
}

func TestLogisticClassifier(t *testing.T) {
	t.Run("PredictProba", func(t *testing.T) {
		c := &LogisticClassifier{
			Weights: []float64{1, 0, 0, 0, 0, 0, 0},
			Bias:    0,
		}

		p := c.PredictProba(domain.FeatureVector{})
		if math.Abs(p-0.5) > 1e-9 {
			t.Errorf("zero input should score 0.5, got %v", p)
		}

		high := c.PredictProba(domain.FeatureVector{10, 0, 0, 0, 0, 0, 0})
		low := c.PredictProba(domain.FeatureVector{-10, 0, 0, 0, 0, 0, 0})
		if high <= 0.99 || low >= 0.01 {
			t.Errorf("expected saturation, got high=%v low=%v", high, low)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		c := PretrainedLogistic()
		v := domain.FeatureVector{1, 0.5, -0.3, 0.2, 0.1, -0.8, 0.4}
		first := c.PredictProba(v)
		for i := 0; i < 10; i++ {
			if c.PredictProba(v) != first {
				t.Fatal("prediction not deterministic")
			}
		}
	})

	t.Run("ProbabilityRange", func(t *testing.T) {
		c := PretrainedLogistic()
		vectors := []domain.FeatureVector{
			{},
			{1000, 500, 1e6, 1000, 500, 1e6, 1000},
			{-1000, -500, -1e6, -1000, -500, -1e6, -1000},
		}
		for _, v := range vectors {
			p := c.PredictProba(v)
			if p < 0 || p > 1 {
				t.Errorf("probability out of range for %v: %v", v, p)
			}
		}
	})

	t.Run("LoadWrongArity", func(t *testing.T) {
		path := writeArtifact(t, "clf.json", `{"weights":[1,2,3],"bias":0}`)
		_, err := LoadLogistic(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})
}

func TestForestClassifier(t *testing.T) {
	// Single stump: amount <= 0.5 scores 0.1, otherwise 0.9.
	stump := `{"version":"forest-test","trees":[{"nodes":[
		{"feature":0,"threshold":0.5,"left":1,"right":2},
		{"leaf":true,"value":0.1},
		{"leaf":true,"value":0.9}
	]}]}`

	t.Run("SingleTree", func(t *testing.T) {
		path := writeArtifact(t, "forest.json", stump)
		c, err := LoadForest(path)
		if err != nil {
			t.Fatalf("LoadForest failed: %v", err)
		}
		if c.Version() != "forest-test" {
			t.Errorf("unexpected version %q", c.Version())
		}

		if p := c.PredictProba(domain.FeatureVector{0, 0, 0, 0, 0, 0, 0}); p != 0.1 {
			t.Errorf("left branch should score 0.1, got %v", p)
		}
		if p := c.PredictProba(domain.FeatureVector{1, 0, 0, 0, 0, 0, 0}); p != 0.9 {
			t.Errorf("right branch should score 0.9, got %v", p)
		}
	})

	t.Run("AveragesTrees", func(t *testing.T) {
		two := `{"trees":[
			{"nodes":[{"leaf":true,"value":0.2}]},
			{"nodes":[{"leaf":true,"value":0.8}]}
		]}`
		path := writeArtifact(t, "forest.json", two)
		c, err := LoadForest(path)
		if err != nil {
			t.Fatalf("LoadForest failed: %v", err)
		}
		if p := c.PredictProba(domain.FeatureVector{}); math.Abs(p-0.5) > 1e-9 {
			t.Errorf("expected average 0.5, got %v", p)
		}
	})

	t.Run("RejectsEmptyForest", func(t *testing.T) {
		path := writeArtifact(t, "forest.json", `{"trees":[]}`)
		_, err := LoadForest(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("RejectsCyclicLinks", func(t *testing.T) {
		// Node 0 routes back to itself; without the forward-link check
		// prediction would never reach a leaf.
		cyclic := `{"trees":[{"nodes":[
			{"feature":0,"threshold":0.5,"left":0,"right":1},
			{"leaf":true,"value":0.9}
		]}]}`
		path := writeArtifact(t, "forest.json", cyclic)
		_, err := LoadForest(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("RejectsBackwardLinks", func(t *testing.T) {
		backward := `{"trees":[{"nodes":[
			{"feature":0,"threshold":0.5,"left":1,"right":2},
			{"leaf":true,"value":0.1},
			{"feature":1,"threshold":0.5,"left":0,"right":1}
		]}]}`
		path := writeArtifact(t, "forest.json", backward)
		_, err := LoadForest(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("RejectsBadFeatureIndex", func(t *testing.T) {
		bad := `{"trees":[{"nodes":[
			{"feature":9,"threshold":0.5,"left":1,"right":2},
			{"leaf":true,"value":0.1},
			{"leaf":true,"value":0.9}
		]}]}`
		path := writeArtifact(t, "forest.json", bad)
		_, err := LoadForest(path)
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})
}

func TestLoadBundle(t *testing.T) {
	t.Run("DefaultPretrained", func(t *testing.T) {
		b, err := Load(domain.ModelConfig{Type: domain.ModelTypeLogistic})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if b.Scaler == nil || b.Classifier == nil {
			t.Fatal("expected pretrained bundle")
		}

		scaled := b.Scaler.Transform(domain.FeatureVector{100, 2, 200, 100, 1, 300, 300})
		p := b.Classifier.PredictProba(scaled)
		if p < 0 || p > 1 {
			t.Errorf("probability out of range: %v", p)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		scaler := writeArtifact(t, "scaler.json",
			`{"mean":[0,0,0,0,0,0,0],"scale":[1,1,1,1,1,1,1]}`)
		_, err := Load(domain.ModelConfig{
			Type: "svm", ScalerPath: scaler, ClassifierPath: scaler,
		})
		if !errors.Is(err, domain.ErrModelUnavailable) {
			t.Errorf("expected ErrModelUnavailable, got: %v", err)
		}
	})

	t.Run("ForestFromArtifacts", func(t *testing.T) {
		scaler := writeArtifact(t, "scaler.json",
			`{"mean":[0,0,0,0,0,0,0],"scale":[1,1,1,1,1,1,1]}`)
		forest := writeArtifact(t, "forest.json",
			`{"trees":[{"nodes":[{"leaf":true,"value":0.7}]}]}`)

		b, err := Load(domain.ModelConfig{
			Type: domain.ModelTypeForest, ScalerPath: scaler, ClassifierPath: forest,
		})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if p := b.Classifier.PredictProba(domain.FeatureVector{}); p != 0.7 {
			t.Errorf("expected 0.7, got %v", p)
		}
	})
}
