package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/events"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

const testPassword = "correct horse"

func newTestAPI(t *testing.T) (*httptest.Server, *bbs.Service) {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := bbs.NewService(store, zap.NewNop(), nil)
	ctx := context.Background()
	require.NoError(t, svc.Bootstrap(ctx, "K7SRV", "testbbs"))

	// KQ4PEC exists as both a BBS user and a dashboard account.
	_, err = svc.Admit(ctx, "KQ4PEC")
	require.NoError(t, err)
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, store.Transaction(ctx, func(tx *gorm.DB) error {
		return repositories.NewHTTPUserRepository(tx).Create(ctx, &db.HTTPUser{
			Username:     "KQ4PEC",
			PasswordHash: hash,
			HTTPEnabled:  true,
		})
	}))

	tokens, err := NewTokenManager("packetserver-test")
	require.NoError(t, err)
	auth, err := NewAuthenticator(store, tokens, zap.NewNop())
	require.NoError(t, err)

	hub := events.NewHub()
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Service: svc,
		Auth:    auth,
		Tokens:  tokens,
		Hub:     hub,
		Logger:  zap.NewNop(),
		Version: "test",
	}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url, user, pass string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestBasicAuthRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown accounts look identical to wrong passwords.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "N0SUCH", "whatever", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFailedAttemptsTracked(t *testing.T) {
	srv, svc := newTestAPI(t)
	ctx := context.Background()

	doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", "wrong", nil)
	doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", "wrong", nil)

	var account *db.HTTPUser
	require.NoError(t, svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		account, err = repositories.NewHTTPUserRepository(tx).Get(ctx, "KQ4PEC")
		return err
	}))
	assert.Equal(t, 2, account.FailedAttempts)

	// A successful login resets the counter and stamps last_login.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", testPassword, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		account, err = repositories.NewHTTPUserRepository(tx).Get(ctx, "KQ4PEC")
		return err
	}))
	assert.Equal(t, 0, account.FailedAttempts)
	assert.NotNil(t, account.LastLogin)
}

func TestDisabledAccountAnswers403(t *testing.T) {
	srv, svc := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewHTTPUserRepository(tx)
		account, err := repo.Get(ctx, "KQ4PEC")
		if err != nil {
			return err
		}
		account.HTTPEnabled = false
		return repo.Update(ctx, account)
	}))

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", testPassword, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProfileMergesHTTPFlags(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/profile", "KQ4PEC", testPassword, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "KQ4PEC", data["username"])
	assert.Equal(t, true, data["http_enabled"])
	assert.Equal(t, true, data["rf_enabled"])
}

func TestBearerTokenFlow(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/token", "KQ4PEC", testPassword, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["data"].(map[string]any)["token"].(string)
	require.NotEmpty(t, token)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/profile", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	tokenResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer tokenResp.Body.Close()
	assert.Equal(t, http.StatusOK, tokenResp.StatusCode)

	req.Header.Set("Authorization", "Bearer not-a-token")
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, badResp.StatusCode)
}

func TestBulletinRoundTrip(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bulletins", "KQ4PEC", testPassword,
		map[string]any{"subject": "Hi", "body": "World"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["data"].(map[string]any)["bulletin_id"].(float64)
	assert.Equal(t, float64(0), id)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bulletins", "KQ4PEC", testPassword, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "Hi", list[0].(map[string]any)["subject"])

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/bulletins/0", "KQ4PEC", testPassword, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestJobsDisabledOverHTTP(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", "KQ4PEC", testPassword,
		map[string]any{"cmd": "echo hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Contains(t, errObj["message"], "disabled")
}
