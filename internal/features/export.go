package features

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExportTrainingCSV streams every labeled transaction joined with its
// entity aggregates as CSV, in the exact column order the model
// training pipeline expects. Returns the number of rows written.
func (a *Assembler) ExportTrainingCSV(ctx context.Context, tenantID string, w io.Writer) (int, error) {
	rows, err := a.store.TrainingRows(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)

	header := append([]string{"transaction_id"}, domain.FeatureNames()...)
	header = append(header, "is_fraud")
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("writing export header: %w", err)
	}

	for _, row := range rows {
		record := make([]string, 0, len(header))
		record = append(record, row.TransactionID)
		for _, v := range row.Features {
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		label := "0"
		if row.IsFraud {
			label = "1"
		}
		record = append(record, label)

		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("writing export row %s: %w", row.TransactionID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flushing export: %w", err)
	}
	return len(rows), nil
}
