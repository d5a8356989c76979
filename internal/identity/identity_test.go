package identity

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Robert-Freire/epcis/pkg/epcislog"
)

func writeCredentialsFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	return string(h)
}

func TestStore_AuthenticateSucceeds(t *testing.T) {
	path := writeCredentialsFile(t, "tenant-a:alice:"+hashFor(t, "s3cret"))
	store, err := Load(path)
	require.NoError(t, err)

	tenantID, ok := store.Authenticate("alice", "s3cret")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", tenantID)
}

func TestStore_AuthenticateRejectsWrongPassword(t *testing.T) {
	path := writeCredentialsFile(t, "tenant-a:alice:"+hashFor(t, "s3cret"))
	store, err := Load(path)
	require.NoError(t, err)

	_, ok := store.Authenticate("alice", "wrong")
	assert.False(t, ok)
}

func TestStore_AuthenticateRejectsUnknownUser(t *testing.T) {
	path := writeCredentialsFile(t, "tenant-a:alice:"+hashFor(t, "s3cret"))
	store, err := Load(path)
	require.NoError(t, err)

	_, ok := store.Authenticate("bob", "s3cret")
	assert.False(t, ok)
}

func TestStore_SkipsBlankAndCommentLines(t *testing.T) {
	path := writeCredentialsFile(t, "", "# comment", "tenant-a:alice:"+hashFor(t, "s3cret"))
	store, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, store.credentials, 1)
}

func TestStore_Put(t *testing.T) {
	path := writeCredentialsFile(t)
	store, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, store.Put("tenant-b", "carol", "hunter2"))
	tenantID, ok := store.Authenticate("carol", "hunter2")
	require.True(t, ok)
	assert.Equal(t, "tenant-b", tenantID)
}

func newTestAuth(t *testing.T) (*Auth, string) {
	t.Helper()
	path := writeCredentialsFile(t, "tenant-a:alice:"+hashFor(t, "s3cret"))
	store, err := Load(path)
	require.NoError(t, err)
	return New(store, epcislog.New("identity-test", "error", "text")), "tenant-a"
}

func TestAuth_HandlerRejectsMissingCredentials(t *testing.T) {
	auth, _ := newTestAuth(t)
	var called bool
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestAuth_HandlerRejectsBadCredentials(t *testing.T) {
	auth, _ := newTestAuth(t)
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be invoked")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.SetBasicAuth("alice", "wrong")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_HandlerSetsTenantOnContext(t *testing.T) {
	auth, wantTenant := newTestAuth(t)
	var gotTenant string
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = epcislog.GetTenantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.SetBasicAuth("alice", "s3cret")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wantTenant, gotTenant)
}
