package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/store"
)

func newTestStore(t *testing.T) domain.GraphStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-scoring-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	s, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func seedGraph(t *testing.T, s domain.GraphStore, tenantID string) {
	t.Helper()
	ctx := context.Background()

	txs := []struct {
		id, customerID, merchantID string
		amount                     float64
	}{
		{"tx-1", "C001", "M002", 100.0},
		{"tx-2", "C001", "M002", 100.0},
		{"tx-3", "C002", "M001", 300.0},
	}
	for _, tx := range txs {
		if err := s.UpsertCustomer(ctx, tenantID, tx.customerID); err != nil {
			t.Fatalf("UpsertCustomer failed: %v", err)
		}
		if err := s.UpsertMerchant(ctx, tenantID, tx.merchantID); err != nil {
			t.Fatalf("UpsertMerchant failed: %v", err)
		}
		if err := s.CreateTransaction(ctx, tenantID, &domain.Transaction{
			ID: tx.id, CustomerID: tx.customerID, MerchantID: tx.merchantID,
			Amount: tx.amount, Date: time.Now().UTC(), IsFraud: boolPtr(false),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
	}

	if _, err := s.RecomputeCustomerAggregates(ctx, tenantID); err != nil {
		t.Fatalf("recompute customers failed: %v", err)
	}
	if _, err := s.RecomputeMerchantAggregates(ctx, tenantID); err != nil {
		t.Fatalf("recompute merchants failed: %v", err)
	}
}

func newTestService(t *testing.T, s domain.GraphStore, policies []*domain.PolicyConfig) *Service {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assembler := features.NewAssembler(s, nil, nil, logger, 0)

	bundle, err := model.Load(domain.ModelConfig{Type: domain.ModelTypeLogistic})
	if err != nil {
		t.Fatalf("loading model failed: %v", err)
	}

	engine, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	if err := engine.ReloadPolicies("tenant-001", policies); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	svc, err := NewService(s, assembler, bundle, engine, nil, nil, logger)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestPredictFraud(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedGraph(t, s, tenantID)

	svc := newTestService(t, s, nil)
	ctx := context.Background()

	t.Run("HappyPath", func(t *testing.T) {
		score, err := svc.PredictFraud(ctx, tenantID, &domain.ScoreRequest{
			CustomerID: "C001",
			MerchantID: "M001",
			Amount:     100.0,
		})
		if err != nil {
			t.Fatalf("PredictFraud failed: %v", err)
		}

		if score.Probability < 0 || score.Probability > 1 {
			t.Errorf("probability out of range: %v", score.Probability)
		}
		if score.State != domain.StateScored {
			t.Errorf("expected terminal state scored, got %s", score.State)
		}
		if score.Decision != domain.DecisionPass {
			t.Errorf("expected PASS without policies, got %s", score.Decision)
		}

		want := domain.FeatureVector{100, 2, 200, 100, 1, 300, 300}
		if score.Features != want {
			t.Errorf("features = %v, want %v", score.Features, want)
		}
		if score.Metadata.ModelVersion == "" {
			t.Error("expected model version in metadata")
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		req := &domain.ScoreRequest{CustomerID: "C001", MerchantID: "M001", Amount: 250.0}

		first, err := svc.PredictFraud(ctx, tenantID, req)
		if err != nil {
			t.Fatalf("PredictFraud failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, err := svc.PredictFraud(ctx, tenantID, req)
			if err != nil {
				t.Fatalf("PredictFraud failed: %v", err)
			}
			if again.Probability != first.Probability {
				t.Fatalf("probability changed between identical calls: %v vs %v",
					again.Probability, first.Probability)
			}
		}
	})

	t.Run("Persisted", func(t *testing.T) {
		score, err := svc.PredictFraud(ctx, tenantID, &domain.ScoreRequest{
			CustomerID: "C001", MerchantID: "M001", Amount: 75.0,
		})
		if err != nil {
			t.Fatalf("PredictFraud failed: %v", err)
		}

		stored, err := svc.GetScore(ctx, tenantID, score.ID)
		if err != nil {
			t.Fatalf("GetScore failed: %v", err)
		}
		if stored.Probability != score.Probability {
			t.Errorf("persisted probability %v, want %v", stored.Probability, score.Probability)
		}
		if stored.Features != score.Features {
			t.Errorf("persisted features %v, want %v", stored.Features, score.Features)
		}
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		_, err := svc.PredictFraud(ctx, tenantID, &domain.ScoreRequest{
			CustomerID: "C999", MerchantID: "M001", Amount: 50.0,
		})
		if !errors.Is(err, domain.ErrEntityNotFound) {
			t.Errorf("expected ErrEntityNotFound, got: %v", err)
		}
	})

	t.Run("NoAggregatedHistory", func(t *testing.T) {
		if err := s.UpsertCustomer(ctx, tenantID, "C500"); err != nil {
			t.Fatalf("UpsertCustomer failed: %v", err)
		}
		_, err := svc.PredictFraud(ctx, tenantID, &domain.ScoreRequest{
			CustomerID: "C500", MerchantID: "M001", Amount: 50.0,
		})
		if !errors.Is(err, domain.ErrIncompleteAggregates) {
			t.Errorf("expected ErrIncompleteAggregates, got: %v", err)
		}
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		cases := []struct {
			name string
			req  *domain.ScoreRequest
		}{
			{"MissingCustomer", &domain.ScoreRequest{MerchantID: "M001", Amount: 50}},
			{"MissingMerchant", &domain.ScoreRequest{CustomerID: "C001", Amount: 50}},
			{"NegativeAmount", &domain.ScoreRequest{CustomerID: "C001", MerchantID: "M001", Amount: -5}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.PredictFraud(ctx, tenantID, tc.req)
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got: %v", err)
				}
			})
		}
	})
}

func TestPredictFraudWithPolicies(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedGraph(t, s, tenantID)

	svc := newTestService(t, s, []*domain.PolicyConfig{
		{
			ID:         "review-everything",
			Expression: "probability >= 0.0",
			Decision:   domain.DecisionReview,
			Reason:     "catch-all review",
			Enabled:    true,
		},
	})

	score, err := svc.PredictFraud(context.Background(), tenantID, &domain.ScoreRequest{
		CustomerID: "C001", MerchantID: "M001", Amount: 100.0,
	})
	if err != nil {
		t.Fatalf("PredictFraud failed: %v", err)
	}
	if score.Decision != domain.DecisionReview {
		t.Errorf("expected REVIEW, got %s", score.Decision)
	}
	if len(score.PolicyResults) != 1 || !score.PolicyResults[0].Matched {
		t.Errorf("expected one matched policy result, got %+v", score.PolicyResults)
	}
}

func TestReloadPoliciesFromStore(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedGraph(t, s, tenantID)

	svc := newTestService(t, s, nil)
	ctx := context.Background()

	if err := s.SavePolicy(ctx, tenantID, &domain.PolicyConfig{
		ID:         "alert-high",
		Name:       "alert on high probability",
		Version:    "1.0.0",
		Expression: "probability > 0.0",
		Decision:   domain.DecisionAlert,
		Reason:     "testing reload",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}

	n, err := svc.ReloadPolicies(ctx, tenantID)
	if err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 policy loaded, got %d", n)
	}

	score, err := svc.PredictFraud(ctx, tenantID, &domain.ScoreRequest{
		CustomerID: "C001", MerchantID: "M001", Amount: 100.0,
	})
	if err != nil {
		t.Fatalf("PredictFraud failed: %v", err)
	}
	if score.Decision != domain.DecisionAlert {
		t.Errorf("expected ALERT after reload, got %s", score.Decision)
	}
}

func TestNewServiceRequiresBundle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewService(nil, nil, nil, nil, nil, nil, logger)
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got: %v", err)
	}
}
