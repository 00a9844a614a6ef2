// Benchmark tool for testing Kestrel against labeled transaction data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Imports a labeled transaction CSV into Kestrel
//   2. Triggers an aggregation pass so entities carry history
//   3. Scores each labeled transaction through POST /score
//   4. Compares decisions (ALERT/REVIEW vs PASS) with the fraud labels
//   5. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is one row of the import CSV that carries a label.
type LabeledTransaction struct {
	ID         string
	CustomerID string
	MerchantID string
	Date       string
	Amount     float64
	IsFraud    bool
}

// ScoreRequest is the Kestrel API request format.
type ScoreRequest struct {
	CustomerID string  `json:"customerId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
}

// ScoreResponse is the subset of the Kestrel score payload we read.
type ScoreResponse struct {
	ID          string  `json:"id"`
	Probability float64 `json:"probability"`
	Decision    string  `json:"decision"`
	State       string  `json:"state"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Fraud flagged (ALERT/REVIEW)
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to score (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	skipImport := flag.Bool("skip-import", false, "Skip the CSV import and aggregation step")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Fraud Scoring                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	if !*skipImport {
		fmt.Printf("\nImporting %s...\n", *csvPath)
		if err := importCSV(*baseURL, *tenantID, *csvPath); err != nil {
			fmt.Printf("ERROR: Failed to import CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Transactions imported")

		fmt.Println("Running aggregation pass...")
		if err := recomputeAggregates(*baseURL, *tenantID); err != nil {
			fmt.Printf("ERROR: Failed to recompute aggregates: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Aggregates ready")
	}

	fmt.Printf("\nReading labeled transactions from %s...\n", *csvPath)
	transactions, err := readLabeledCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d labeled transactions\n", len(transactions))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func importCSV(baseURL, tenantID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/transactions/import", file)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func recomputeAggregates(baseURL, tenantID string) error {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/aggregates/recompute", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func readLabeledCSV(path string, limit int) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[col] = i
	}
	for _, col := range []string{"transaction_id", "customer_id", "merchant_id", "amount", "is_fraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		// Only labeled rows can be checked against a decision.
		label := record[colIndex["is_fraud"]]
		if label == "" {
			continue
		}

		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		tx := LabeledTransaction{
			ID:         record[colIndex["transaction_id"]],
			CustomerID: record[colIndex["customer_id"]],
			MerchantID: record[colIndex["merchant_id"]],
			Amount:     amount,
			IsFraud:    label == "1" || label == "true" || label == "True",
		}
		if idx, ok := colIndex["date"]; ok {
			tx.Date = record[idx]
		}

		transactions = append(transactions, tx)

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []LabeledTransaction, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, tenantID, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.ID, err)
					}
					continue
				}

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				// Flagged means the policy layer escalated past PASS.
				predicted := result.Decision != "PASS"
				actual := tx.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s %-12s | Customer: %-8s | Amount: $%12.2f | Fraud: %-5v | Kestrel: %-6s (%.4f)\n",
						status,
						tx.ID,
						tx.CustomerID,
						tx.Amount,
						tx.IsFraud,
						result.Decision,
						result.Probability,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL, tenantID string, tx LabeledTransaction) (*ScoreResponse, error) {
	req := ScoreRequest{
		CustomerID: tx.CustomerID,
		MerchantID: tx.MerchantID,
		Amount:     tx.Amount,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FLAG        PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
