// Package keycloaktest provides an in-memory Keycloak stand-in for tests.
package keycloaktest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/padmini/gateway/pkg/keycloak"
)

// Default identities served by a new Server
const (
	Realm         = "padmini-farms"
	ClientID      = "padmini-gateway"
	ClientSecret  = "gateway-secret"
	AdminRealm    = "master"
	AdminClientID = "admin-cli"
	AdminUsername = "admin"
	AdminPassword = "admin"
)

type user struct {
	rep      keycloak.User
	password string
	roles    []string
}

type failure struct {
	status    int
	remaining int // <=0 means until cleared
}

// Server is a fake Keycloak. All exported methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[string]*user // by id
	roles       map[string]json.RawMessage
	adminTokens map[string]bool
	calls       map[string]int
	failures    map[string]failure
	delays      map[string]time.Duration
	roleBodies  map[string][]json.RawMessage
	tokenFields map[string]interface{}
	tokenTTL    int
	initActions []string
}

// NewServer starts a fake with BUYER, SELLER and ADMIN realm roles
func NewServer() *Server {
	s := &Server{
		users:       make(map[string]*user),
		roles:       make(map[string]json.RawMessage),
		adminTokens: make(map[string]bool),
		calls:       make(map[string]int),
		failures:    make(map[string]failure),
		delays:      make(map[string]time.Duration),
		roleBodies:  make(map[string][]json.RawMessage),
		tokenTTL:    300,
		initActions: []string{"UPDATE_PASSWORD", "VERIFY_EMAIL"},
	}
	for _, name := range []string{"BUYER", "SELLER", "ADMIN"} {
		s.AddRole(name)
	}

	router := mux.NewRouter()
	router.HandleFunc("/realms/{realm}/protocol/openid-connect/token", s.handleToken).Methods(http.MethodPost)
	router.HandleFunc("/realms/{realm}", s.handleRealm).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin/realms/{realm}").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleFindUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{id}/reset-password", s.handleResetPassword).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}/role-mappings/realm", s.handleAssignRoles).Methods(http.MethodPost)
	admin.HandleFunc("/roles/{name}", s.handleGetRole).Methods(http.MethodGet)

	s.Server = httptest.NewServer(router)
	return s
}

// Config returns a keycloak.Config pointing at the fake
func (s *Server) Config() keycloak.Config {
	return keycloak.Config{
		BaseURL:       s.URL,
		Realm:         Realm,
		ClientID:      ClientID,
		ClientSecret:  ClientSecret,
		AdminRealm:    AdminRealm,
		AdminClientID: AdminClientID,
		AdminUsername: AdminUsername,
		AdminPassword: AdminPassword,
		Timeout:       5 * time.Second,
	}
}

// AddRole registers a realm role with a generated id
func (s *Server) AddRole(name string) {
	raw, _ := json.Marshal(map[string]interface{}{
		"id":          uuid.NewString(),
		"name":        name,
		"description": name + " role",
		"composite":   false,
		"clientRole":  false,
		"containerId": Realm,
		"attributes":  map[string]interface{}{},
	})
	s.mu.Lock()
	s.roles[name] = raw
	s.mu.Unlock()
}

// RoleJSON returns the stored representation of a role
func (s *Server) RoleJSON(name string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[name]
}

// SeedUser creates a user directly, bypassing the admin API
func (s *Server) SeedUser(username, password string, roles ...string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.users[id] = &user{
		rep:      keycloak.User{ID: id, Username: strings.ToLower(username), Enabled: true},
		password: password,
		roles:    roles,
	}
	s.mu.Unlock()
	return id
}

// UserSnapshot describes a stored user for assertions
type UserSnapshot struct {
	ID              string
	Username        string
	Email           string
	Enabled         bool
	Password        string
	RequiredActions []string
	Roles           []string
}

// User looks a user up by username
func (s *Server) User(username string) (UserSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findLocked(username)
	if u == nil {
		return UserSnapshot{}, false
	}
	return UserSnapshot{
		ID:              u.rep.ID,
		Username:        u.rep.Username,
		Email:           u.rep.Email,
		Enabled:         u.rep.Enabled,
		Password:        u.password,
		RequiredActions: append([]string(nil), u.rep.RequiredActions...),
		Roles:           append([]string(nil), u.roles...),
	}, true
}

// UserCount returns the number of stored users
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Calls returns how often op was requested (keycloak.Op* names)
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// RoleMappingBodies returns every raw role-mapping request body received for userID
func (s *Server) RoleMappingBodies(userID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.roleBodies[userID]...)
}

// Fail makes op answer with status until ClearFailures
func (s *Server) Fail(op string, status int) {
	s.FailTimes(op, status, 0)
}

// FailTimes makes op answer with status for the next n calls (n<=0 means always)
func (s *Server) FailTimes(op string, status int, n int) {
	s.mu.Lock()
	s.failures[op] = failure{status: status, remaining: n}
	s.mu.Unlock()
}

// ClearFailures removes every injected failure
func (s *Server) ClearFailures() {
	s.mu.Lock()
	s.failures = make(map[string]failure)
	s.mu.Unlock()
}

// Delay sleeps before answering op
func (s *Server) Delay(op string, d time.Duration) {
	s.mu.Lock()
	s.delays[op] = d
	s.mu.Unlock()
}

// SetUserTokenResponse replaces the user grant JSON body. Nil restores the default.
func (s *Server) SetUserTokenResponse(body map[string]interface{}) {
	s.mu.Lock()
	s.tokenFields = body
	s.mu.Unlock()
}

// SetTokenTTL sets expires_in for issued tokens
func (s *Server) SetTokenTTL(seconds int) {
	s.mu.Lock()
	s.tokenTTL = seconds
	s.mu.Unlock()
}

// SetInitialRequiredActions sets the required actions new users start with
func (s *Server) SetInitialRequiredActions(actions ...string) {
	s.mu.Lock()
	s.initActions = actions
	s.mu.Unlock()
}

// enter counts the call and applies injected delay or failure; false means it responded
func (s *Server) enter(w http.ResponseWriter, r *http.Request, op string) bool {
	s.mu.Lock()
	s.calls[op]++
	delay := s.delays[op]
	f, failing := s.failures[op]
	if failing && f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.failures, op)
		} else {
			s.failures[op] = f
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return false
		}
	}
	if failing {
		writeJSON(w, f.status, map[string]string{"error": "injected", "errorMessage": fmt.Sprintf("injected %s failure", op)})
		return false
	}
	return true
}

func (s *Server) findLocked(username string) *user {
	for _, u := range s.users {
		if strings.EqualFold(u.rep.Username, username) {
			return u
		}
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["realm"] != Realm {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm not found."})
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.adminTokens[token]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRealm(w http.ResponseWriter, r *http.Request) {
	realm := mux.Vars(r)["realm"]
	if !s.enter(w, r, keycloak.OpPing) {
		return
	}
	if realm != Realm && realm != AdminRealm {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm does not exist"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"realm": realm, "token-service": s.URL + "/realms/" + realm + "/protocol/openid-connect"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	realm := mux.Vars(r)["realm"]
	op := keycloak.OpUserToken
	if realm == AdminRealm {
		op = keycloak.OpAdminToken
	}
	if !s.enter(w, r, op) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "password" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	clientID, secret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")

	switch realm {
	case AdminRealm:
		if clientID != AdminClientID || username != AdminUsername || password != AdminPassword {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "error_description": "Invalid user credentials"})
			return
		}
		token := "admin-" + uuid.NewString()
		s.mu.Lock()
		s.adminTokens[token] = true
		ttl := s.tokenTTL
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": token,
			"expires_in":   ttl,
			"token_type":   "Bearer",
		})
	case Realm:
		if clientID != ClientID || secret != ClientSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized_client", "error_description": "Invalid client credentials"})
			return
		}
		s.mu.Lock()
		u := s.findLocked(username)
		valid := u != nil && u.password == password && u.rep.Enabled
		blocked := valid && len(u.rep.RequiredActions) > 0
		override := s.tokenFields
		ttl := s.tokenTTL
		s.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "error_description": "Invalid user credentials"})
			return
		}
		if blocked {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Account is not fully set up"})
			return
		}
		if override != nil {
			writeJSON(w, http.StatusOK, override)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "access-" + uuid.NewString(),
			"refresh_token": "refresh-" + uuid.NewString(),
			"expires_in":    ttl,
			"token_type":    "Bearer",
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm does not exist"})
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpCreateUser) {
		return
	}
	var rep keycloak.User
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil || rep.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid user representation"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(rep.Username) != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
		return
	}
	if rep.Email != "" {
		for _, u := range s.users {
			if strings.EqualFold(u.rep.Email, rep.Email) {
				writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same email"})
				return
			}
		}
	}

	id := uuid.NewString()
	u := &user{rep: keycloak.User{
		ID:              id,
		Username:        strings.ToLower(rep.Username),
		Email:           rep.Email,
		Enabled:         rep.Enabled,
		RequiredActions: append([]string(nil), s.initActions...),
	}}
	for _, c := range rep.Credentials {
		if c.Type == keycloak.CredentialTypePassword {
			u.password = c.Value
		}
	}
	s.users[id] = u

	w.Header().Set("Location", fmt.Sprintf("%s/admin/realms/%s/users/%s", s.URL, Realm, id))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFindUsers(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpFindUser) {
		return
	}
	query := strings.ToLower(r.URL.Query().Get("username"))

	s.mu.Lock()
	out := make([]keycloak.User, 0)
	for _, u := range s.users {
		// Keycloak searches by substring unless exact=true
		if strings.Contains(u.rep.Username, query) {
			out = append(out, u.rep)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpClearRequiredActions) {
		return
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[mux.Vars(r)["id"]]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	if raw, present := body["requiredActions"]; present {
		var actions []string
		if err := json.Unmarshal(raw, &actions); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid requiredActions"})
			return
		}
		u.rep.RequiredActions = actions
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpResetPassword) {
		return
	}
	var cred keycloak.Credential
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil || cred.Type != keycloak.CredentialTypePassword {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid credential"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[mux.Vars(r)["id"]]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	u.password = cred.Value
	if cred.Temporary {
		u.rep.RequiredActions = append(u.rep.RequiredActions, "UPDATE_PASSWORD")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpGetRealmRole) {
		return
	}
	s.mu.Lock()
	raw, ok := s.roles[mux.Vars(r)["name"]]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find role"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpAssignRealmRole) {
		return
	}
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "unreadable body"})
		return
	}
	var roles []keycloak.Role
	if err := json.Unmarshal(body, &roles); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "expected role array"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	for _, role := range roles {
		if _, known := s.roles[role.Name]; !known {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Role not found"})
			return
		}
	}
	s.roleBodies[id] = append(s.roleBodies[id], json.RawMessage(body))
	for _, role := range roles {
		u.roles = append(u.roles, role.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, keycloak.OpDeleteUser) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := mux.Vars(r)["id"]
	if _, ok := s.users[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	delete(s.users, id)
	delete(s.roleBodies, id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
