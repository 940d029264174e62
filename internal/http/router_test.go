// README: End-to-end HTTP tests over the in-memory stores.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	httptransport "towhub/internal/http"
	"towhub/internal/http/handlers"
	"towhub/internal/infra"
	"towhub/internal/logger"
	"towhub/internal/modules/availability"
	"towhub/internal/modules/request"
)

// tokenVerifier accepts tokens of the form "<role>:<uid>".
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.VerifiedToken, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("malformed token")
	}
	return &infra.VerifiedToken{UID: uid, Claims: map[string]interface{}{"role": role}}, nil
}

type apiClient struct {
	t      *testing.T
	router *gin.Engine
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Nop()
	avail := availability.NewService(availability.NewMemoryStore(), 15, 50, log)
	svc := request.NewService(request.NewMemoryStore(), avail, nil, request.Options{
		QuoteTTL: 10 * time.Minute,
		Currency: "USD",
		Logger:   log,
	})
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Requests:     svc,
		Availability: avail,
		Verifier:     tokenVerifier{},
		Retry:        handlers.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond},
		Logger:       log,
		Env:          "test",
	})
	return &apiClient{t: t, router: router}
}

func (a *apiClient) do(method, path, token string, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			a.t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w.Code, out
}

func (a *apiClient) must(method, path, token string, body any, want int) map[string]any {
	a.t.Helper()
	code, out := a.do(method, path, token, body)
	if code != want {
		a.t.Fatalf("%s %s: expected %d, got %d: %v", method, path, want, code, out)
	}
	return out
}

func createBody() map[string]any {
	return map[string]any{
		"vehicle": map[string]any{"plate": "ABC-1234", "category": "sedan"},
		"origin":  map[string]any{"lat": 25.033, "lng": 121.565, "address": "Xinyi Rd"},
		"problem": "engine will not start",
	}
}

func TestHealth(t *testing.T) {
	api := newAPI(t)
	out := api.must(http.MethodGet, "/health", "", nil, http.StatusOK)
	if out["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", out)
	}
}

func TestAPI_FullLifecycle(t *testing.T) {
	api := newAPI(t)
	const (
		client = "client:c1"
		d1     = "driver:d1"
		d2     = "driver:d2"
		admin  = "admin:ops"
	)

	api.must(http.MethodPut, "/api/drivers/me/availability", d1, map[string]any{
		"online": true, "lat": 25.034, "lng": 121.566, "categories": []string{"sedan"},
	}, http.StatusOK)

	created := api.must(http.MethodPost, "/api/requests", client, createBody(), http.StatusCreated)
	id := created["id"].(string)
	if created["status"] != "pending" {
		t.Fatalf("expected pending, got %v", created["status"])
	}

	q1 := api.must(http.MethodPost, "/api/requests/"+id+"/quotes", d1, map[string]any{"amount": 100000}, http.StatusCreated)
	q2 := api.must(http.MethodPost, "/api/requests/"+id+"/quotes", d2, map[string]any{"amount": 90000}, http.StatusCreated)

	list := api.must(http.MethodGet, "/api/requests/"+id+"/quotes", client, nil, http.StatusOK)
	quotes := list["quotes"].([]any)
	if len(quotes) != 2 || quotes[0].(map[string]any)["id"] != q2["id"] {
		t.Fatalf("expected cheapest quote first, got %v", quotes)
	}

	driverView := api.must(http.MethodGet, "/api/requests/"+id, d1, nil, http.StatusOK)
	if qs, _ := driverView["quotes"].([]any); len(qs) != 1 {
		t.Fatalf("driver should only see own quote, got %v", driverView["quotes"])
	}

	accepted := api.must(http.MethodPost, "/api/requests/"+id+"/accept", client, map[string]any{"quote_id": q2["id"]}, http.StatusOK)
	if accepted["status"] != "accepted" || accepted["assigned_driver_id"] != "d2" {
		t.Fatalf("unexpected accept response: %v", accepted)
	}

	code, body := api.do(http.MethodPost, "/api/requests/"+id+"/accept", client, map[string]any{"quote_id": q1["id"]})
	if code != http.StatusConflict || body["code"] != "assignment_conflict" || body["retryable"] != true {
		t.Fatalf("expected retryable assignment conflict, got %d %v", code, body)
	}

	api.must(http.MethodPost, "/api/requests/"+id+"/status", d2, map[string]any{"status": "in_progress"}, http.StatusOK)
	done := api.must(http.MethodPost, "/api/requests/"+id+"/status", d2, map[string]any{"status": "completed"}, http.StatusOK)
	if done["status"] != "completed" {
		t.Fatalf("expected completed, got %v", done["status"])
	}

	api.must(http.MethodPost, "/api/requests/"+id+"/rating", client, map[string]any{"stars": 5, "tip": 500}, http.StatusOK)
	api.must(http.MethodPost, "/api/admin/requests/"+id+"/settle", admin, map[string]any{"reference": "pay-42"}, http.StatusOK)

	events := api.must(http.MethodGet, "/api/admin/requests/"+id+"/events", admin, nil, http.StatusOK)
	if n := len(events["events"].([]any)); n != 7 {
		t.Fatalf("expected 7 transition events, got %d", n)
	}
}

func TestAPI_RoleGates(t *testing.T) {
	api := newAPI(t)
	created := api.must(http.MethodPost, "/api/requests", "client:c1", createBody(), http.StatusCreated)
	id := created["id"].(string)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/requests/" + id, "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/requests/" + id, "garbage", nil, http.StatusUnauthorized},
		{"driver creates", http.MethodPost, "/api/requests", "driver:d1", createBody(), http.StatusForbidden},
		{"client quotes", http.MethodPost, "/api/requests/" + id + "/quotes", "client:c1", map[string]any{"amount": 10}, http.StatusForbidden},
		{"other client reads", http.MethodGet, "/api/requests/" + id, "client:c2", nil, http.StatusForbidden},
		{"other client lists quotes", http.MethodGet, "/api/requests/" + id + "/quotes", "client:c2", nil, http.StatusForbidden},
		{"client settles", http.MethodPost, "/api/admin/requests/" + id + "/settle", "client:c1", map[string]any{"reference": "x"}, http.StatusForbidden},
		{"missing request", http.MethodGet, "/api/requests/nope", "admin:ops", nil, http.StatusNotFound},
		{"second open request", http.MethodPost, "/api/requests", "client:c1", createBody(), http.StatusConflict},
		{"bad status", http.MethodPost, "/api/requests/" + id + "/status", "driver:d1", map[string]any{"status": "arrived"}, http.StatusBadRequest},
		{"missing amount", http.MethodPost, "/api/requests/" + id + "/quotes", "driver:d1", map[string]any{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := api.do(tc.method, tc.path, tc.token, tc.body)
			if code != tc.want {
				t.Fatalf("expected %d, got %d: %v", tc.want, code, body)
			}
		})
	}
}

func TestAPI_CancelPaths(t *testing.T) {
	api := newAPI(t)
	created := api.must(http.MethodPost, "/api/requests", "client:c1", createBody(), http.StatusCreated)
	id := created["id"].(string)
	q := api.must(http.MethodPost, "/api/requests/"+id+"/quotes", "driver:d1", map[string]any{"amount": 5000}, http.StatusCreated)
	api.must(http.MethodPost, "/api/requests/"+id+"/accept", "client:c1", map[string]any{"quote_id": q["id"]}, http.StatusOK)

	code, body := api.do(http.MethodPost, "/api/requests/"+id+"/cancel", "client:c1", map[string]any{"reason_code": "changed_mind"})
	if code != http.StatusConflict || body["code"] != "invalid_state" {
		t.Fatalf("client cancel after accept: expected invalid_state, got %d %v", code, body)
	}

	out := api.must(http.MethodPost, "/api/admin/requests/"+id+"/cancel", "admin:ops", map[string]any{}, http.StatusOK)
	cancellation := out["cancellation"].(map[string]any)
	if out["status"] != "cancelled" || cancellation["by"] != "system" || cancellation["reason_code"] != "system" {
		t.Fatalf("unexpected system cancel response: %v", out)
	}

	code, body = api.do(http.MethodPost, "/api/quotes/"+q["id"].(string)+"/withdraw", "driver:d1", nil)
	if code != http.StatusConflict || body["code"] != "already_terminal" {
		t.Fatalf("withdraw accepted quote: expected already_terminal, got %d %v", code, body)
	}
}
