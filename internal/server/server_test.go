package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/viewlock/viewlock/internal/chain"
	"github.com/viewlock/viewlock/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockNetwork implements chain.Network for testing
type mockNetwork struct{}

func (m *mockNetwork) AccountExists(ctx context.Context, addr string) (bool, error) {
	return true, nil
}

func (m *mockNetwork) EnsureAccount(ctx context.Context, addr string) error {
	return nil
}

func (m *mockNetwork) OwnerBalance(ctx context.Context, owner string) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (m *mockNetwork) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (m *mockNetwork) SubmitSplitTransfer(ctx context.Context, req *chain.SplitTransferRequest) (*chain.SplitTransferResult, error) {
	return &chain.SplitTransferResult{Ref: "0xmock"}, nil
}

func (m *mockNetwork) WaitForTransfer(ctx context.Context, ref string, timeout time.Duration) (*chain.SplitTransferResult, error) {
	return &chain.SplitTransferResult{Ref: ref, BlockNumber: 1}, nil
}

func (m *mockNetwork) TransferStatus(ctx context.Context, ref string) (chain.TransferStatus, error) {
	return chain.TransferConfirmed, nil
}

func (m *mockNetwork) BuildApprovalInstruction(owner string, amount *big.Int) (*chain.ApprovalInstruction, error) {
	return &chain.ApprovalInstruction{
		To:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Spender: "0x00000000000000000000000000000000000000d1",
		Amount:  amount.String(),
		ChainID: 84532,
	}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		RPCURL:            "https://sepolia.base.org",
		ChainID:           84532,
		FacilitatorKey:    "0000000000000000000000000000000000000000000000000000000000000001",
		USDCContract:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		DisburserContract: "0x00000000000000000000000000000000000000d1",
		MasterKey:         "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		FeeSplitBps:       235,
		FeeRecipient:      "0x00000000000000000000000000000000000000fe",
		MaxPayment:        "1000",
		SessionTTL:        "24h",
		AdminSecret:       "test-admin-secret",
	}
}

// newTestServer creates a server with a mock settlement network
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithNetwork(&mockNetwork{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
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

func TestSessionRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	sessionRoutes := map[string]bool{
		"POST:/v1/wallets/:address/sessions": false,
		"GET:/v1/wallets/:address/session":   false,
		"GET:/v1/wallets/:address/balance":   false,
		"GET:/v1/sessions/:id":               false,
		"POST:/v1/sessions/:id/confirm":      false,
		"POST:/v1/sessions/:id/topup":        false,
		"DELETE:/v1/sessions/:id":            false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := sessionRoutes[key]; ok {
			sessionRoutes[key] = true
		}
	}

	for route, found := range sessionRoutes {
		if !found {
			t.Errorf("Session route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"POST:/v1/resources",
		"GET:/v1/resources/:id",
		"GET:/v1/resources/:id/content",
		"POST:/v1/resources/:id/purchase",
		"GET:/v1/payments/:id",
		"POST:/v1/admin/reconciliation",
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

// ---------------------------------------------------------------------------
// Resource registration and 402 gate tests
// ---------------------------------------------------------------------------

func registerResource(t *testing.T, s *Server) string {
	t.Helper()

	body := `{"title":"Premium Clip","payee":"0xaaaa000000000000000000000000000000000001","price":"3.50"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/resources", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Resource.ID == "" {
		t.Fatal("Expected resource ID in response")
	}
	return resp.Resource.ID
}

func TestResourceRegistration(t *testing.T) {
	s := newTestServer(t)
	registerResource(t, s)
}

func TestContentWithoutPaymentChallenged(t *testing.T) {
	s := newTestServer(t)
	id := registerResource(t, s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/resources/"+id+"/content", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Payment-Required") != "true" {
		t.Error("Expected X-Payment-Required header")
	}

	var ch map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("Failed to parse challenge: %v", err)
	}
	if ch["nonce"] == nil || ch["nonce"] == "" {
		t.Error("Expected nonce in challenge")
	}
}

func TestContentUnknownResource(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/resources/res_missing/content", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Session creation test
// ---------------------------------------------------------------------------

func TestSessionCreation(t *testing.T) {
	s := newTestServer(t)

	body := `{"approve":"10.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/wallets/0xbbbb000000000000000000000000000000000001/sessions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Session struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"session"`
		Approval map[string]interface{} `json:"approval"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Session.Status != "pending" {
		t.Errorf("Expected pending session, got %q", resp.Session.Status)
	}
	if resp.Approval == nil {
		t.Error("Expected approval instruction in response")
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/reconciliation", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestAdminReconciliation(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/reconciliation", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to parse report: %v", err)
	}
	if report["healthy"] != true {
		t.Errorf("Expected healthy report on empty ledger, got %v", report["healthy"])
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
