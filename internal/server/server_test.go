package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comicforge/comicforge/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		GenerationTimeout: 5 * time.Second,
		SweepInterval:     time.Second,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// registerUser registers a user and returns its API key
func registerUser(t *testing.T, s *Server, email string) string {
	t.Helper()

	body := `{"email":"` + email + `","name":"Test User"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/users", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	apiKey, _ := resp["apiKey"].(string)
	if apiKey == "" {
		t.Fatal("Expected apiKey in registration response")
	}
	return apiKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/plans",
		"POST:/v1/users",
		"GET:/v1/users/me",
		"POST:/v1/generations",
		"GET:/v1/generations",
		"GET:/v1/generations/:sessionId",
		"GET:/v1/usage",
		"GET:/v1/audit",
		"GET:/v1/auth/keys",
		"POST:/v1/auth/keys",
		"DELETE:/v1/auth/keys/:keyId",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestBillingRoutesSkippedWithoutStripe(t *testing.T) {
	s := newTestServer(t)

	for _, route := range s.router.Routes() {
		if route.Path == "/v1/billing/checkout" || route.Path == "/webhooks/stripe" {
			t.Errorf("Billing route %s registered without Stripe config", route.Path)
		}
	}
}

// ---------------------------------------------------------------------------
// Plan catalogue test
// ---------------------------------------------------------------------------

func TestPlansEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/plans", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Plans []struct {
			Tier             string `json:"tier"`
			MonthlyAllowance int    `json:"monthlyAllowance"`
		} `json:"plans"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if len(resp.Plans) != 3 {
		t.Fatalf("Expected 3 plans, got %d", len(resp.Plans))
	}
	if resp.Plans[0].Tier != "free" || resp.Plans[0].MonthlyAllowance != 0 {
		t.Errorf("Expected free plan first with zero allowance, got %+v", resp.Plans[0])
	}
	if resp.Plans[2].Tier != "creative" || resp.Plans[2].MonthlyAllowance != 200 {
		t.Errorf("Expected creative plan last with allowance 200, got %+v", resp.Plans[2])
	}
}

// ---------------------------------------------------------------------------
// Registration tests
// ---------------------------------------------------------------------------

func TestUserRegistration(t *testing.T) {
	s := newTestServer(t)

	apiKey := registerUser(t, s, "kenji@example.com")
	if !strings.HasPrefix(apiKey, "sk_") {
		t.Errorf("Expected sk_ prefixed key, got %q", apiKey)
	}
}

func TestUserRegistrationDuplicateEmail(t *testing.T) {
	s := newTestServer(t)
	registerUser(t, s, "dupe@example.com")

	body := `{"email":"dupe@example.com","name":"Someone Else"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/users", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate email, got %d", w.Code)
	}
}

func TestUserRegistrationInvalidEmail(t *testing.T) {
	s := newTestServer(t)

	body := `{"email":"not-an-email","name":"Test"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/users", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid email, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Auth enforcement tests
// ---------------------------------------------------------------------------

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow tests
// ---------------------------------------------------------------------------

func TestCurrentUserEndpoint(t *testing.T) {
	s := newTestServer(t)
	apiKey := registerUser(t, s, "me@example.com")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		User struct {
			Email string `json:"email"`
			Tier  string `json:"tier"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.User.Email != "me@example.com" {
		t.Errorf("Expected registered email, got %q", resp.User.Email)
	}
	if resp.User.Tier != "free" {
		t.Errorf("Expected new users on free tier, got %q", resp.User.Tier)
	}
}

func TestFreeTierGenerationRejected(t *testing.T) {
	s := newTestServer(t)
	apiKey := registerUser(t, s, "free@example.com")

	body := `{"requestedPages":1}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/generations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402 for free tier, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["error"] != "plan_limit_exceeded" {
		t.Errorf("Expected plan_limit_exceeded, got %v", resp["error"])
	}
}

func TestFreeTierUsageReport(t *testing.T) {
	s := newTestServer(t)
	apiKey := registerUser(t, s, "usage@example.com")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Usage struct {
			Tier      string `json:"tier"`
			Used      int    `json:"used"`
			Remaining int    `json:"remaining"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Usage.Tier != "free" {
		t.Errorf("Expected free tier, got %q", resp.Usage.Tier)
	}
	if resp.Usage.Used != 0 || resp.Usage.Remaining != 0 {
		t.Errorf("Expected 0/0 usage for fresh free user, got %d/%d",
			resp.Usage.Used, resp.Usage.Remaining)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
