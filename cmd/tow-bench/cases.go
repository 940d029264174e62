// README: Bench cases for tow-api: health, lifecycle, accept race, storage checks and availability load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"towhub/internal/infra"
	"towhub/migrations"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type Result struct {
	Name    string
	Status  Status
	Details string
	Elapsed time.Duration
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type Runner struct {
	cfg    Config
	client *http.Client
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	cases := []TestCase{
		{Name: "health", Run: healthCase},
		{Name: "db_connect", Run: dbConnectCase},
		{Name: "db_schema", Run: dbSchemaCase},
		{Name: "redis_ping", Run: redisPingCase},
		{Name: "request_lifecycle", Run: lifecycleCase},
		{Name: "concurrent_accept", Run: concurrentAcceptCase},
		{Name: "concurrent_quotes", Run: concurrentQuoteCase},
		{Name: "perf_availability", Run: perfAvailabilityCase},
	}

	results := make([]Result, 0, len(cases))
	for _, tc := range cases {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		res.Elapsed = time.Since(start)
		results = append(results, res)
		fmt.Printf("[%s] %s (%s) %s\n", res.Status, res.Name, res.Elapsed.Truncate(time.Millisecond), res.Details)
	}
	return results
}

func healthCase(ctx context.Context, r *Runner) Result {
	status, _, err := r.call(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return fail(err.Error())
	}
	if status != http.StatusOK {
		return fail(fmt.Sprintf("status=%d", status))
	}
	return pass("ok")
}

func dbConnectCase(ctx context.Context, r *Runner) Result {
	if r.cfg.DSN == "" {
		return skip("TOW_DB_DSN not set")
	}
	pool, err := pgxpool.New(ctx, r.cfg.DSN)
	if err != nil {
		return fail(err.Error())
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fail(err.Error())
	}
	if r.cfg.ApplyMigration {
		if err := migrations.Apply(ctx, pool); err != nil {
			return fail("apply migration: " + err.Error())
		}
	}
	return pass("ok")
}

// dbSchemaCase checks that every table named in the embedded migration exists.
func dbSchemaCase(ctx context.Context, r *Runner) Result {
	if r.cfg.DSN == "" {
		return skip("TOW_DB_DSN not set")
	}
	pool, err := pgxpool.New(ctx, r.cfg.DSN)
	if err != nil {
		return fail(err.Error())
	}
	defer pool.Close()

	var missing []string
	for _, table := range migrations.Tables() {
		var exists bool
		if err := pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", "public."+table).Scan(&exists); err != nil {
			return fail(err.Error())
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fail("missing tables: " + strings.Join(missing, ","))
	}
	return pass("ok")
}

func redisPingCase(ctx context.Context, r *Runner) Result {
	if r.cfg.RedisAddr == "" {
		return skip("TOW_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail(err.Error())
	}
	return pass("ok")
}

// lifecycleCase drives one request from creation to rating.
func lifecycleCase(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return skip("TOW_JWT_SECRET not set")
	}
	client, err := r.token("client", "")
	if err != nil {
		return fail(err.Error())
	}
	driver, err := r.token("driver", "")
	if err != nil {
		return fail(err.Error())
	}

	id, err := r.createRequest(ctx, client)
	if err != nil {
		return fail(err.Error())
	}
	quoteID, err := r.submitQuote(ctx, driver, id, 120000)
	if err != nil {
		return fail(err.Error())
	}

	steps := []struct {
		token string
		path  string
		body  any
	}{
		{client, "/api/requests/" + id + "/accept", map[string]any{"quote_id": quoteID}},
		{driver, "/api/requests/" + id + "/status", map[string]any{"status": "in_progress"}},
		{driver, "/api/requests/" + id + "/status", map[string]any{"status": "completed"}},
		{client, "/api/requests/" + id + "/rating", map[string]any{"stars": 5, "tip": 1000}},
	}
	for _, s := range steps {
		status, body, err := r.call(ctx, http.MethodPost, s.path, s.token, s.body)
		if err != nil {
			return fail(err.Error())
		}
		if status != http.StatusOK {
			return fail(fmt.Sprintf("%s status=%d body=%s", s.path, status, body))
		}
	}

	var final struct {
		Status  string `json:"status"`
		Version int    `json:"version"`
	}
	if err := r.getJSON(ctx, "/api/requests/"+id, client, &final); err != nil {
		return fail(err.Error())
	}
	if final.Status != "completed" || final.Version != 6 {
		return fail(fmt.Sprintf("final status=%s version=%d", final.Status, final.Version))
	}
	return pass("request " + id)
}

// concurrentAcceptCase fires accepts for distinct quotes at once; one must win.
func concurrentAcceptCase(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return skip("TOW_JWT_SECRET not set")
	}
	client, err := r.token("client", "")
	if err != nil {
		return fail(err.Error())
	}
	id, err := r.createRequest(ctx, client)
	if err != nil {
		return fail(err.Error())
	}

	n := r.cfg.Concurrency
	quoteIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		driver, err := r.token("driver", "")
		if err != nil {
			return fail(err.Error())
		}
		qid, err := r.submitQuote(ctx, driver, id, int64(100000+i*1000))
		if err != nil {
			return fail(err.Error())
		}
		quoteIDs = append(quoteIDs, qid)
	}

	var success, conflict, other int32
	var wg sync.WaitGroup
	for _, qid := range quoteIDs {
		wg.Add(1)
		go func(qid string) {
			defer wg.Done()
			status, _, err := r.call(ctx, http.MethodPost, "/api/requests/"+id+"/accept", client, map[string]any{"quote_id": qid})
			switch {
			case err != nil:
				atomic.AddInt32(&other, 1)
			case status == http.StatusOK:
				atomic.AddInt32(&success, 1)
			case status == http.StatusConflict:
				atomic.AddInt32(&conflict, 1)
			default:
				atomic.AddInt32(&other, 1)
			}
		}(qid)
	}
	wg.Wait()

	details := fmt.Sprintf("success=%d conflict=%d other=%d", success, conflict, other)
	if success != 1 || other != 0 {
		return fail(details)
	}
	return pass(details)
}

// concurrentQuoteCase has one driver submit repeatedly; only one active quote may exist.
func concurrentQuoteCase(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return skip("TOW_JWT_SECRET not set")
	}
	client, err := r.token("client", "")
	if err != nil {
		return fail(err.Error())
	}
	driver, err := r.token("driver", "")
	if err != nil {
		return fail(err.Error())
	}
	id, err := r.createRequest(ctx, client)
	if err != nil {
		return fail(err.Error())
	}

	var created, conflict int32
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := r.call(ctx, http.MethodPost, "/api/requests/"+id+"/quotes", driver, map[string]any{"amount": 90000})
			if err != nil {
				return
			}
			switch status {
			case http.StatusCreated:
				atomic.AddInt32(&created, 1)
			case http.StatusConflict:
				atomic.AddInt32(&conflict, 1)
			}
		}()
	}
	wg.Wait()

	details := fmt.Sprintf("created=%d conflict=%d", created, conflict)
	if created != 1 || int(created+conflict) != r.cfg.Concurrency {
		return fail(details)
	}
	return pass(details)
}

func perfAvailabilityCase(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return skip("TOW_JWT_SECRET not set")
	}
	tokens := make([]string, r.cfg.Concurrency)
	for i := range tokens {
		t, err := r.token("driver", "")
		if err != nil {
			return fail(err.Error())
		}
		tokens[i] = t
	}

	var okCount, errCount int64
	var mu sync.Mutex
	var latencies []time.Duration

	deadline := time.Now().Add(r.cfg.Duration)
	var wg sync.WaitGroup
	for i, tok := range tokens {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				body := map[string]any{
					"online":     true,
					"lat":        25.03 + float64(i)*0.001,
					"lng":        121.56,
					"categories": []string{"sedan"},
				}
				start := time.Now()
				status, _, err := r.call(ctx, http.MethodPut, "/api/drivers/me/availability", tok, body)
				lat := time.Since(start)
				if err != nil || status != http.StatusOK {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&okCount, 1)
				mu.Lock()
				latencies = append(latencies, lat)
				mu.Unlock()
			}
		}(i, tok)
	}
	wg.Wait()

	if len(latencies) == 0 {
		return fail("no successful requests")
	}
	p50, p95, p99 := percentiles(latencies)
	rps := float64(okCount) / r.cfg.Duration.Seconds()
	return pass(fmt.Sprintf("ok=%d err=%d rps=%.1f p50=%s p95=%s p99=%s", okCount, errCount, rps, p50, p95, p99))
}

func (r *Runner) createRequest(ctx context.Context, token string) (string, error) {
	body := map[string]any{
		"vehicle": map[string]any{"plate": "BENCH-01", "brand": "Toyota", "model": "Corolla", "category": "sedan"},
		"origin":  map[string]any{"lat": 25.033, "lng": 121.565, "address": "bench"},
		"problem": "battery dead",
	}
	status, raw, err := r.call(ctx, http.MethodPost, "/api/requests", token, body)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("create request status=%d body=%s", status, raw)
	}
	return decodeID(raw)
}

func (r *Runner) submitQuote(ctx context.Context, token, requestID string, amount int64) (string, error) {
	status, raw, err := r.call(ctx, http.MethodPost, "/api/requests/"+requestID+"/quotes", token, map[string]any{"amount": amount})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("submit quote status=%d body=%s", status, raw)
	}
	return decodeID(raw)
}

func (r *Runner) getJSON(ctx context.Context, path, token string, out any) error {
	status, raw, err := r.call(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s status=%d body=%s", path, status, raw)
	}
	return json.Unmarshal(raw, out)
}

// token signs an HS256 token for a fresh uid unless one is given.
func (r *Runner) token(role, uid string) (string, error) {
	if uid == "" {
		uid = role + "-" + uuid.NewString()
	}
	return infra.SignJWT(r.cfg.JWTSecret, uid, role)
}

func (r *Runner) call(ctx context.Context, method, path, token string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func decodeID(raw []byte) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("response has no id: %s", raw)
	}
	return out.ID, nil
}

func percentiles(values []time.Duration) (time.Duration, time.Duration, time.Duration) {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	at := func(p float64) time.Duration {
		idx := int(float64(len(values)-1) * p)
		return values[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func pass(details string) Result { return Result{Status: StatusPass, Details: details} }
func fail(details string) Result { return Result{Status: StatusFail, Details: details} }
func skip(details string) Result { return Result{Status: StatusSkip, Details: details} }
