package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

var benchFlags struct {
	csvPath string
	baseURL string
	workers int
	limit   int
	verbose bool
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Replay labelled claims against a running server",
	Long: `Read adjudicated claims from a CSV file, send each one to
POST /claims/evaluate and compare Kestrel's recommendation with the
recorded outcome.

The CSV has one row per line item and a header with the columns
claim_id, provider_id, member_id, service_code, billed_amount, diagnosis
and expected (APPROVED, REJECTED or REQUIRES_REVIEW). Rows sharing a
claim_id form one claim.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().StringVar(&benchFlags.csvPath, "csv", "", "path to the labelled claims CSV")
	benchCmd.Flags().StringVar(&benchFlags.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	benchCmd.Flags().IntVar(&benchFlags.workers, "workers", 10, "number of concurrent clients")
	benchCmd.Flags().IntVar(&benchFlags.limit, "limit", 0, "maximum claims to send (0 = all)")
	benchCmd.Flags().BoolVar(&benchFlags.verbose, "verbose", false, "print each claim result")
	_ = benchCmd.MarkFlagRequired("csv")
}

// labelledClaim is a claim with its recorded adjudication outcome.
type labelledClaim struct {
	Claim    domain.NormalizedClaim
	Expected domain.Recommendation
}

// benchStats is shared by the client goroutines.
type benchStats struct {
	mu        sync.Mutex
	matrix    map[domain.Recommendation]map[domain.Recommendation]int
	latencies []time.Duration

	processed atomic.Int64
	errors    atomic.Int64
}

func newBenchStats() *benchStats {
	return &benchStats{matrix: make(map[domain.Recommendation]map[domain.Recommendation]int)}
}

func (s *benchStats) record(expected, got domain.Recommendation, latency time.Duration) {
	s.processed.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.matrix[expected]
	if row == nil {
		row = make(map[domain.Recommendation]int)
		s.matrix[expected] = row
	}
	row[got]++
	s.latencies = append(s.latencies, latency)
}

// agreement is the share of claims whose recommendation matched the label.
func (s *benchStats) agreement() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, hits := 0, 0
	for expected, row := range s.matrix {
		for got, n := range row {
			total += n
			if got == expected {
				hits += n
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// percentile returns the p-th latency percentile (0 < p <= 100).
func (s *benchStats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p/100+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func runBench(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if err := checkHealth(benchFlags.baseURL); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", benchFlags.baseURL, err)
	}

	f, err := os.Open(benchFlags.csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	claims, err := readLabelledClaims(f, benchFlags.limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d claims from %s\n", len(claims), benchFlags.csvPath)

	start := time.Now()
	stats := replay(claims, benchFlags.baseURL, benchFlags.workers, func(c labelledClaim, got domain.Recommendation, err error) {
		if !benchFlags.verbose {
			return
		}
		if err != nil {
			fmt.Fprintf(out, "ERROR %s: %v\n", c.Claim.ID, err)
			return
		}
		mark := "ok"
		if got != c.Expected {
			mark = "MISMATCH"
		}
		fmt.Fprintf(out, "%-8s %-16s expected=%-15s got=%s\n", mark, c.Claim.ID, c.Expected, got)
	})
	printBenchResults(out, stats, time.Since(start))
	return nil
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

// readLabelledClaims groups CSV line item rows into claims, preserving the
// order in which claim ids first appear. Malformed rows are skipped.
func readLabelledClaims(r io.Reader, limit int) ([]labelledClaim, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"claim_id", "provider_id", "member_id", "service_code", "billed_amount", "expected"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var order []string
	byID := make(map[string]*labelledClaim)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		id := field(record, "claim_id")
		amount, err := strconv.ParseFloat(field(record, "billed_amount"), 64)
		if id == "" || err != nil {
			continue
		}

		lc, ok := byID[id]
		if !ok {
			if limit > 0 && len(order) >= limit {
				continue
			}
			lc = &labelledClaim{
				Claim: domain.NormalizedClaim{
					ID:         id,
					Currency:   "USD",
					ProviderID: field(record, "provider_id"),
					MemberID:   field(record, "member_id"),
				},
				Expected: domain.Recommendation(strings.ToUpper(field(record, "expected"))),
			}
			byID[id] = lc
			order = append(order, id)
		}

		item := domain.LineItem{
			Index:        len(lc.Claim.LineItems),
			ServiceCode:  field(record, "service_code"),
			BilledAmount: amount,
		}
		if dx := field(record, "diagnosis"); dx != "" {
			item.DiagnosisRefs = []string{dx}
			if !contains(lc.Claim.Diagnoses, dx) {
				lc.Claim.Diagnoses = append(lc.Claim.Diagnoses, dx)
			}
		}
		lc.Claim.LineItems = append(lc.Claim.LineItems, item)
		lc.Claim.Amount += amount
	}

	claims := make([]labelledClaim, 0, len(order))
	for _, id := range order {
		claims = append(claims, *byID[id])
	}
	return claims, nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// replay sends every claim through a pool of HTTP clients.
func replay(claims []labelledClaim, baseURL string, workers int, onResult func(labelledClaim, domain.Recommendation, error)) *benchStats {
	if workers <= 0 {
		workers = 1
	}
	stats := newBenchStats()
	work := make(chan labelledClaim, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				got, err := evaluateClaim(client, baseURL, c.Claim)
				if err != nil {
					stats.errors.Add(1)
				} else {
					stats.record(c.Expected, got, time.Since(start))
				}
				if onResult != nil {
					onResult(c, got, err)
				}
			}
		}()
	}

	for _, c := range claims {
		work <- c
	}
	close(work)
	wg.Wait()

	return stats
}

func evaluateClaim(client *http.Client, baseURL string, claim domain.NormalizedClaim) (domain.Recommendation, error) {
	body, err := json.Marshal(api.EvaluateRequest{NormalizedClaim: claim})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(baseURL+"/claims/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var res orchestrator.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.Decision == nil {
		return "", fmt.Errorf("response has no decision")
	}
	return res.Decision.Recommendation, nil
}

var recommendations = []domain.Recommendation{
	domain.RecommendApproved,
	domain.RecommendRejected,
	domain.RecommendRequiresReview,
}

func printBenchResults(out io.Writer, s *benchStats, duration time.Duration) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "AGREEMENT MATRIX (rows: expected, columns: kestrel)")
	fmt.Fprintf(out, "%-16s", "")
	for _, r := range recommendations {
		fmt.Fprintf(out, "%16s", r)
	}
	fmt.Fprintln(out)

	s.mu.Lock()
	for _, expected := range recommendations {
		fmt.Fprintf(out, "%-16s", expected)
		for _, got := range recommendations {
			fmt.Fprintf(out, "%16d", s.matrix[expected][got])
		}
		fmt.Fprintln(out)
	}
	s.mu.Unlock()

	processed := s.processed.Load()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Processed:  %d\n", processed)
	fmt.Fprintf(out, "Errors:     %d\n", s.errors.Load())
	fmt.Fprintf(out, "Agreement:  %.4f\n", s.agreement())
	fmt.Fprintf(out, "Duration:   %v\n", duration.Round(time.Millisecond))
	if processed > 0 {
		fmt.Fprintf(out, "Throughput: %.2f claims/sec\n", float64(processed)/duration.Seconds())
		fmt.Fprintf(out, "p50/p95/p99: %v / %v / %v\n",
			s.percentile(50).Round(time.Microsecond),
			s.percentile(95).Round(time.Microsecond),
			s.percentile(99).Round(time.Microsecond),
		)
	}
}
