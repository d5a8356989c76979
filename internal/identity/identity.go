// Package identity resolves the HTTP Basic Auth credential on an incoming
// request to a tenant id (spec §6.3). It is the only identity oracle this
// repository ships; a deployment that wants a different scheme swaps this
// package's Handler for its own, as long as it stashes a non-empty tenant
// id on the request context the same way.
package identity

import (
	"bufio"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
)

// credential is one line of the credential file: a username maps to the
// tenant it authenticates as plus the bcrypt hash of its password.
type credential struct {
	tenantID string
	hash     []byte
}

// Store is an in-memory, file-backed credential table. Basic Auth
// usernames are unique within a Store; the same tenant id may own several
// usernames (e.g. one per integration).
type Store struct {
	mu          sync.RWMutex
	credentials map[string]credential // keyed by username
}

// Load reads a "tenantID:username:bcryptHash" file, one credential per
// line. Blank lines and lines starting with '#' are skipped.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Store{credentials: make(map[string]credential)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		s.credentials[parts[1]] = credential{tenantID: parts[0], hash: []byte(parts[2])}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Authenticate verifies username/password against the stored bcrypt hash
// and returns the tenant id it maps to.
func (s *Store) Authenticate(username, password string) (string, bool) {
	s.mu.RLock()
	cred, ok := s.credentials[username]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if bcrypt.CompareHashAndPassword(cred.hash, []byte(password)) != nil {
		return "", false
	}
	return cred.tenantID, true
}

// Put registers or replaces a credential, hashing password with bcrypt's
// default cost. Used by tests; production deployments populate the
// credential file out of band.
func (s *Store) Put(tenantID, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = credential{tenantID: tenantID, hash: hash}
	return nil
}

// Auth is the HTTP middleware that turns a Basic Auth header into a
// tenant id on the request context, grounded on the teacher's
// Handler(next) http.Handler middleware shape.
type Auth struct {
	store  *Store
	logger *epcislog.Logger
}

// New builds an Auth middleware backed by store.
func New(store *Store, logger *epcislog.Logger) *Auth {
	return &Auth{store: store, logger: logger}
}

// Handler rejects requests with no valid Basic Auth credential (401,
// WWW-Authenticate) and otherwise stashes the resolved tenant id on the
// request context before calling next.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			a.reject(w, r, "missing credentials")
			return
		}
		tenantID, ok := a.store.Authenticate(username, password)
		if !ok {
			a.reject(w, r, "invalid credentials")
			return
		}
		ctx := epcislog.WithTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if a.logger != nil {
		a.logger.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("basic auth rejected: " + reason)
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="epcis"`)
	writeError(w, epciserr.Unauthorized(reason))
}

func writeError(w http.ResponseWriter, err *epciserr.RepositoryError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_, _ = w.Write([]byte(`{"code":"` + string(err.Code) + `","message":"` + err.Message + `"}`))
}
