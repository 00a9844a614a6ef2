package domain

// NumFeatures is the length of the scoring feature vector.
const NumFeatures = 7

// FeatureVector is the ordered numeric tuple fed to the scaler and
// classifier. The order is a contract shared between training export and
// inference assembly; reordering silently corrupts scoring.
//
// Index layout:
//
//	0: amount
//	1: customer transaction_count
//	2: customer total_amount
//	3: customer avg_transaction_amount
//	4: merchant transaction_count
//	5: merchant total_amount
//	6: merchant avg_transaction_amount
type FeatureVector [NumFeatures]float64

// NewFeatureVector builds the vector in the fixed order from an amount and
// the combined aggregate lookup.
func NewFeatureVector(amount float64, agg *EntityAggregates) FeatureVector {
	return FeatureVector{
		amount,
		float64(agg.Customer.TransactionCount),
		agg.Customer.TotalAmount,
		agg.Customer.AvgTransactionAmount,
		float64(agg.Merchant.TransactionCount),
		agg.Merchant.TotalAmount,
		agg.Merchant.AvgTransactionAmount,
	}
}

// Slice returns the vector as a []float64 for the model layer.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, NumFeatures)
	copy(out, v[:])
	return out
}

// FeatureNames returns the feature column names in vector order. The
// training export derives its header from this list so the two can not
// drift apart.
func FeatureNames() []string {
	return []string{
		"amount",
		"customer_transaction_count",
		"customer_total_amount",
		"customer_avg_amount",
		"merchant_transaction_count",
		"merchant_total_amount",
		"merchant_avg_amount",
	}
}

// TrainingRow is one labeled historical transaction joined with the
// aggregate attributes of its customer and merchant.
type TrainingRow struct {
	TransactionID string
	Features      FeatureVector
	IsFraud       bool
}
