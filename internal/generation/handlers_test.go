package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicforge/comicforge/internal/auth"
	"github.com/comicforge/comicforge/internal/entitlement"
)

func newTestRouter(svc *Service, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
		}
		c.Next()
	})
	h := NewHandler(svc)
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func postGeneration(t *testing.T, r *gin.Engine, pages int) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(CreateRequest{RequestedPages: pages})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/generations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCreateGenerationAccepted(t *testing.T) {
	store := NewMemoryStore()
	adm := &stubAdmitter{admission: proAdmission()}
	runner := runnerFunc(func(_ context.Context, _ *Session, _ func(int)) error { return nil })
	svc := newTestService(store, adm, runner, time.Second)
	r := newTestRouter(svc, "usr_test")

	w := postGeneration(t, r, 3)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Session Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Session.ID)
	assert.Equal(t, "usr_test", resp.Session.UserID)
	svc.Wait()
}

func TestCreateGenerationPlanLimit(t *testing.T) {
	adm := &stubAdmitter{admitErr: entitlement.ErrPlanLimitExceeded}
	svc := newTestService(NewMemoryStore(), adm, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := postGeneration(t, r, 12)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "plan_limit_exceeded", resp["error"])
}

func TestCreateGenerationQuotaExhausted(t *testing.T) {
	resetsAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	adm := &stubAdmitter{admitErr: &entitlement.QuotaExhaustedError{ResetsAt: resetsAt}}
	svc := newTestService(NewMemoryStore(), adm, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := postGeneration(t, r, 3)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "quota_exhausted", resp["error"])
	assert.Equal(t, "2026-04-01T00:00:00Z", resp["resets_at"])
}

func TestCreateGenerationUnauthenticated(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &stubAdmitter{admission: proAdmission()}, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "")

	w := postGeneration(t, r, 3)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetGenerationHidesOtherUsers(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Session{
		ID:        "gen_secret",
		UserID:    "usr_other",
		Status:    StatusSucceeded,
		CreatedAt: time.Now(),
	}))
	svc := newTestService(store, &stubAdmitter{admission: proAdmission()}, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/generations/gen_secret", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetGeneration(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Session{
		ID:             "gen_mine",
		UserID:         "usr_test",
		RequestedPages: 3,
		Status:         StatusSucceeded,
		Progress:       100,
		CreatedAt:      time.Now(),
	}))
	svc := newTestService(store, &stubAdmitter{admission: proAdmission()}, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/generations/gen_mine", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Session Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusSucceeded, resp.Session.Status)
	assert.Equal(t, 100, resp.Session.Progress)
}

func TestListGenerations(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	for _, id := range []string{"gen_1", "gen_2"} {
		require.NoError(t, store.Create(context.Background(), &Session{
			ID:        id,
			UserID:    "usr_test",
			Status:    StatusSucceeded,
			CreatedAt: base,
		}))
	}
	svc := newTestService(store, &stubAdmitter{admission: proAdmission()}, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/generations", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestListGenerationsInvalidCursor(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &stubAdmitter{admission: proAdmission()}, runnerFunc(nil), time.Second)
	r := newTestRouter(svc, "usr_test")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/generations?cursor=%21%21not-a-cursor", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_cursor", resp["error"])
}
