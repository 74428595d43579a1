// Benchmark replays labelled PaySim data through Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row is scored via POST /transactions/score and the admission outcome
// is compared with the fraud label. With -label, every alert the run opens
// is claimed and resolved with its true label, and one adaptation cycle is
// triggered at the end so the feedback loop can react to the run.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// paySimEpoch anchors PaySim's hourly step counter.
var paySimEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type paySimRow struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	NameDest string
	IsFraud  bool
}

type scoreRequest struct {
	ID                 string         `json:"id"`
	EntityID           string         `json:"entityId"`
	Type               string         `json:"type"`
	Channel            string         `json:"channel"`
	OriginAccount      string         `json:"originAccount"`
	DestinationAccount string         `json:"destinationAccount"`
	Amount             float64        `json:"amount"`
	Currency           string         `json:"currency"`
	Timestamp          time.Time      `json:"timestamp"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type scoreResponse struct {
	Score struct {
		RiskScore float64 `json:"riskScore"`
		Severity  string  `json:"severity"`
	} `json:"score"`
	Admission struct {
		Outcome string `json:"outcome"`
		AlertID string `json:"alertId"`
	} `json:"admission"`
}

func (r *scoreResponse) flagged() bool {
	return r.Admission.Outcome == "CREATE_NEW" || r.Admission.Outcome == "UPDATE_EXISTING"
}

type tally struct {
	truePositives  atomic.Int64
	falsePositives atomic.Int64
	trueNegatives  atomic.Int64
	falseNegatives atomic.Int64
	errors         atomic.Int64
	labelled       atomic.Int64
	latencyMs      atomic.Int64
}

type client struct {
	http    *http.Client
	baseURL string
	tenant  string
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent requests")
	label := flag.Bool("label", false, "Resolve opened alerts with their true label and run adaptation")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	c := &client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(*baseURL, "/"),
		tenant:  *tenantID,
	}

	if err := c.get("/health", nil); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", c.baseURL, err)
		os.Exit(1)
	}

	rows, err := readPaySim(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions from %s\n", len(rows), *csvPath)

	start := time.Now()
	t := run(context.Background(), c, rows, *workers, *label)
	duration := time.Since(start)

	if *label {
		var report map[string]any
		if err := c.post("/adaptation/run", nil, &report); err != nil {
			fmt.Printf("ERROR: adaptation cycle failed: %v\n", err)
		} else {
			fmt.Printf("Adaptation: drift=%v falsePositiveRate=%v newVersion=%v\n",
				report["drift"], report["falsePositiveRate"], report["newVersion"])
		}
	}

	printResults(t, len(rows), duration)
}

func readPaySim(path string, limit int) ([]paySimRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, name := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []paySimRow
	for limit == 0 || len(rows) < limit {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		step, _ := strconv.Atoi(rec[col["step"]])
		amount, err := strconv.ParseFloat(rec[col["amount"]], 64)
		if err != nil || amount <= 0 {
			continue
		}
		rows = append(rows, paySimRow{
			Step:     step,
			Type:     strings.ToLower(rec[col["type"]]),
			Amount:   amount,
			NameOrig: rec[col["nameorig"]],
			NameDest: rec[col["namedest"]],
			IsFraud:  rec[col["isfraud"]] == "1",
		})
	}
	return rows, nil
}

func run(ctx context.Context, c *client, rows []paySimRow, workers int, label bool) *tally {
	t := &tally{}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, row := range rows {
		g.Go(func() error {
			start := time.Now()
			req := scoreRequest{
				ID:                 fmt.Sprintf("paysim-%d", i),
				EntityID:           row.NameOrig,
				Type:               row.Type,
				Channel:            "paysim",
				OriginAccount:      row.NameOrig,
				DestinationAccount: row.NameDest,
				Amount:             row.Amount,
				Currency:           "USD",
				Timestamp:          paySimEpoch.Add(time.Duration(row.Step) * time.Hour),
			}

			var resp scoreResponse
			err := c.post("/transactions/score", req, &resp)
			t.latencyMs.Add(time.Since(start).Milliseconds())
			if err != nil {
				t.errors.Add(1)
				return nil
			}

			predicted := resp.flagged()
			switch {
			case predicted && row.IsFraud:
				t.truePositives.Add(1)
			case predicted:
				t.falsePositives.Add(1)
			case row.IsFraud:
				t.falseNegatives.Add(1)
			default:
				t.trueNegatives.Add(1)
			}

			if label && resp.Admission.Outcome == "CREATE_NEW" {
				if err := c.resolve(resp.Admission.AlertID, row.IsFraud); err == nil {
					t.labelled.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return t
}

// resolve claims an alert and submits the row's true label as the decision.
func (c *client) resolve(alertID string, fraud bool) error {
	const analyst = "benchmark"
	if err := c.post("/alerts/"+alertID+"/claim", map[string]string{"analyst": analyst}, nil); err != nil {
		return err
	}
	decision := map[string]string{"analyst": analyst, "decision": "FALSE_POSITIVE"}
	if fraud {
		decision["decision"] = "FRAUD"
		decision["notes"] = "labelled fraud in PaySim"
	}
	return c.post("/alerts/"+alertID+"/decision", decision, nil)
}

func (c *client) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	req.Header.Set("X-Tenant-ID", c.tenant)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func printResults(t *tally, total int, duration time.Duration) {
	tp, fp := t.truePositives.Load(), t.falsePositives.Load()
	tn, fn := t.trueNegatives.Load(), t.falseNegatives.Load()

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Println()
	fmt.Println("CONFUSION MATRIX        flagged   passed")
	fmt.Printf("   fraud             %9d %8d\n", tp, fn)
	fmt.Printf("   legitimate        %9d %8d\n", fp, tn)
	fmt.Println()
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", ratio(tp+tn, tp+tn+fp+fn))
	fmt.Printf("   Errors:     %d\n", t.errors.Load())
	if n := t.labelled.Load(); n > 0 {
		fmt.Printf("   Labelled:   %d alerts\n", n)
	}
	fmt.Println()
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("   Avg latency: %.2f ms\n", float64(t.latencyMs.Load())/float64(total))
		fmt.Printf("   Throughput:  %.2f tx/sec\n", float64(total)/duration.Seconds())
	}
}
