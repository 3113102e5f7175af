package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-inbox/internal/config"
	"github.com/vadim/neo-inbox/internal/httpx/auth"
)

const testSecret = "test-secret"

const seedYAML = `
tenants:
  - { kind: company, id: c1, name: Acme }
memberships:
  - { actor: staff-1, tenant_kind: company, tenant_id: c1 }
`

func newBadgerApp(t *testing.T) *App {
	t.Helper()
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seedYAML), 0o600))

	cfg := config.Config{
		Log:       config.Log{Level: "error"},
		Store:     config.Store{Driver: config.DriverBadger, DirectorySeedFile: seedPath},
		Badger:    config.Badger{InMemory: true},
		Auth:      config.Auth{JWTSecret: testSecret, WorkflowRole: "workflow"},
		RateLimit: config.RateLimit{Enabled: true, Sends: 100, Window: time.Minute},
	}

	a, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.closeInfrastructure)
	return a
}

func call(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		token, err := auth.NewVerifier(testSecret, "").Issue(actor, nil, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_MessagingFlow(t *testing.T) {
	a := newBadgerApp(t)
	h := a.Handler()

	rec := call(t, h, http.MethodPost, "/api/v1/conversations", "u1", map[string]any{
		"participants": []map[string]string{
			{"kind": "individual", "individual_id": "u1"},
			{"kind": "tenant", "tenant_kind": "company", "tenant_id": "c1"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	require.NotEmpty(t, conv.ID)

	rec = call(t, h, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "u1", map[string]string{"text": "Hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/v1/conversations?as=tenant&tenant_kind=company&tenant_id=c1", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var inbox struct {
		Items []struct {
			ID                 string `json:"id"`
			UnreadCount        int    `json:"unread_count"`
			LastMessagePreview string `json:"last_message_preview"`
			CounterpartName    string `json:"counterpart_name"`
		} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inbox))
	require.Len(t, inbox.Items, 1)
	require.Equal(t, conv.ID, inbox.Items[0].ID)
	require.Equal(t, 1, inbox.Items[0].UnreadCount)
	require.Equal(t, "Hello", inbox.Items[0].LastMessagePreview)

	rec = call(t, h, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/read", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"company:c1"`)

	rec = call(t, h, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "stranger", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodGet, "/api/v1/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `inbox_messages_appended_total{type="text"} 1`)
}

func TestApp_HealthAndDocs(t *testing.T) {
	a := newBadgerApp(t)
	h := a.Handler()

	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/readyz", "", nil).Code)
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/docs/openapi.json", "", nil).Code)
}

func TestApp_UnknownStoreDriver(t *testing.T) {
	_, err := NewApp(context.Background(), config.Config{
		Store:     config.Store{Driver: "mongo"},
		Auth:      config.Auth{JWTSecret: testSecret},
		RateLimit: config.RateLimit{Enabled: true},
	})
	require.Error(t, err)
}

func TestSeedDirectory_RejectsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memberships:\n  - { actor: '', tenant_kind: company, tenant_id: c1 }\n"), 0o600))

	a := newBadgerApp(t)
	_, _, err := SeedDirectory(context.Background(), a.stores.directory, path)
	require.Error(t, err)
}
