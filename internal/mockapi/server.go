// Package mockapi is an in-process stand-in for the platform API used
// by integration tests and local development. It implements the
// contracts the client core consumes: bearer-authenticated REST with
// rotating opaque tokens, a renewal endpoint, an order listing, and the
// websocket stream. Test-facing mutators drive failure scenarios.
package mockapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/opsdesk/console-client-go/internal/errors"
	"github.com/opsdesk/console-client-go/internal/model"
	"github.com/opsdesk/console-client-go/internal/util"
)

const defaultPageSize = 20

type account struct {
	Email    string
	Password string
	User     model.UserSummary
}

type grant struct {
	Role    model.Role
	Expired bool
}

type tokenPair struct {
	accessHash  string
	refreshHash string
}

type Server struct {
	router chi.Router
	hub    *streamHub

	mu           sync.Mutex
	accounts     map[model.Role]account
	access       map[string]*grant
	refresh      map[string]*grant
	current      map[model.Role]tokenPair
	orders       map[string]*model.OrderRecord
	failRenewals bool
}

// New builds a server pre-seeded with one account per role; each
// account's password is "<role>-password".
func New() *Server {
	s := &Server{
		hub:      newStreamHub(),
		accounts: make(map[model.Role]account),
		access:   make(map[string]*grant),
		refresh:  make(map[string]*grant),
		current:  make(map[model.Role]tokenPair),
		orders:   make(map[string]*model.OrderRecord),
	}

	for i, role := range model.Roles() {
		s.accounts[role] = account{
			Email:    fmt.Sprintf("%s@opsdesk.test", role),
			Password: fmt.Sprintf("%s-password", role),
			User: model.UserSummary{
				ID:    fmt.Sprintf("u-%d", i+1),
				Name:  string(role) + " console user",
				Email: fmt.Sprintf("%s@opsdesk.test", role),
			},
		}
	}

	r := chi.NewRouter()
	r.Post("/v1/auth/login", s.handleLogin)
	r.Post("/v1/auth/renew", s.handleRenew)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/auth/logout", s.handleLogout)
		r.Get("/v1/orders", s.handleListOrders)
		r.Get("/v1/orders/{id}", s.handleGetOrder)
		r.Get("/v1/stream", s.handleStream)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every stream client.
func (s *Server) Close() {
	s.hub.close()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

type roleContextKey struct{}

func roleFrom(ctx context.Context) model.Role {
	role, _ := ctx.Value(roleContextKey{}).(model.Role)
	return role
}

// authMiddleware accepts the access token as a bearer header or a
// query token (the stream endpoint dials with the latter).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "Missing authentication token")
			return
		}

		s.mu.Lock()
		g, ok := s.access[util.HashToken(token)]
		expired := ok && g.Expired
		s.mu.Unlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, apperrors.CodeInvalidToken, "Invalid token")
			return
		}
		if expired {
			writeError(w, http.StatusUnauthorized, apperrors.CodeTokenExpired, "Access token expired")
			return
		}

		ctx := context.WithValue(r.Context(), roleContextKey{}, g.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

type loginRequest struct {
	Role     model.Role `json:"role"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
}

type tokenResponse struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	User         *model.UserSummary `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body")
		return
	}
	if !req.Role.Valid() || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "role, email and password are required")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Role]
	s.mu.Unlock()

	if !ok || acct.Email != req.Email || !util.ConstantTimeEqual(acct.Password, req.Password) {
		log.Warn().Str("role", string(req.Role)).Msg("mockapi: failed login attempt")
		writeError(w, http.StatusUnauthorized, apperrors.CodeInvalidLogin, "Invalid email or password")
		return
	}

	access, refresh, err := s.issueTokens(req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperrors.CodeInternal, "Token generation failed")
		return
	}

	user := acct.User
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access, RefreshToken: refresh, User: &user})
}

type renewRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "refreshToken is required")
		return
	}

	s.mu.Lock()
	failing := s.failRenewals
	g, ok := s.refresh[util.HashToken(req.RefreshToken)]
	s.mu.Unlock()

	if failing || !ok {
		writeError(w, http.StatusUnauthorized, apperrors.CodeInvalidToken, "Refresh token rejected")
		return
	}

	access, refresh, err := s.issueTokens(g.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperrors.CodeInternal, "Token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	role := roleFrom(r.Context())

	s.mu.Lock()
	s.revokeLocked(role)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// issueTokens rotates the role's credential pair: the previous pair is
// revoked atomically with the new one taking effect.
func (s *Server) issueTokens(role model.Role) (access, refresh string, err error) {
	access, err = util.GenerateToken()
	if err != nil {
		return "", "", err
	}
	refresh, err = util.GenerateToken()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeLocked(role)
	pair := tokenPair{accessHash: util.HashToken(access), refreshHash: util.HashToken(refresh)}
	s.access[pair.accessHash] = &grant{Role: role}
	s.refresh[pair.refreshHash] = &grant{Role: role}
	s.current[role] = pair
	return access, refresh, nil
}

func (s *Server) revokeLocked(role model.Role) {
	if pair, ok := s.current[role]; ok {
		delete(s.access, pair.accessHash)
		delete(s.refresh, pair.refreshHash)
		delete(s.current, role)
	}
}

var orderStatuses = []string{
	string(model.OrderStatusPending),
	string(model.OrderStatusApproved),
	string(model.OrderStatusProcessing),
	string(model.OrderStatusShipped),
	string(model.OrderStatusDelivered),
	string(model.OrderStatusCancelled),
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !util.IsValidEnum(status, orderStatuses) {
		writeError(w, http.StatusUnprocessableEntity, apperrors.CodeValidation, "Unknown order status")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", defaultPageSize)
	if page < 1 || pageSize < 1 {
		writeError(w, http.StatusUnprocessableEntity, apperrors.CodeValidation, "page and pageSize must be positive")
		return
	}

	// Clone while holding the lock; the mutators edit stored records in
	// place under it.
	s.mu.Lock()
	all := make([]model.OrderRecord, 0, len(s.orders))
	for _, o := range s.orders {
		if status != "" && string(o.Status) != status {
			continue
		}
		all = append(all, o.Clone())
	}
	s.mu.Unlock()

	sortOrders(all)

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	// Listing rows carry summary fields only; detail comes from the
	// single-order endpoint.
	items := make([]model.OrderPatch, 0, end-start)
	for _, o := range all[start:end] {
		items = append(items, summaryPatch(o))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	order, ok := s.orders[id]
	var record model.OrderRecord
	if ok {
		record = order.Clone()
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, apperrors.CodeNotFound, "Order not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func summaryPatch(o model.OrderRecord) model.OrderPatch {
	status := o.Status
	total := o.TotalCents
	updated := o.UpdatedAt
	return model.OrderPatch{
		ID:         o.ID,
		Status:     &status,
		TotalCents: &total,
		UpdatedAt:  &updated,
	}
}

// Test-facing mutators.

// SeedOrder inserts or replaces an order without emitting an event. An
// empty id gets a generated one. Returns the id.
func (s *Server) SeedOrder(record model.OrderRecord) string {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	stored := record.Clone()
	s.orders[record.ID] = &stored
	s.mu.Unlock()
	return record.ID
}

// CreateOrder inserts an order and broadcasts a new-record event with
// summary fields only.
func (s *Server) CreateOrder(record model.OrderRecord) string {
	id := s.SeedOrder(record)

	s.mu.Lock()
	patch := summaryPatch(*s.orders[id])
	s.mu.Unlock()

	s.broadcast("new-record", id, patch)
	return id
}

// UpdateOrderStatus mutates one order and broadcasts a record-updated
// event carrying only status, total and timestamp.
func (s *Server) UpdateOrderStatus(id string, status model.OrderStatus, totalCents int64) bool {
	s.mu.Lock()
	order, ok := s.orders[id]
	var patch model.OrderPatch
	if ok {
		order.Status = status
		order.TotalCents = totalCents
		order.UpdatedAt = time.Now().UTC()
		patch = summaryPatch(*order)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.broadcast("record-updated", id, patch)
	return true
}

// ExpireAccess marks the role's current access token expired while
// leaving its refresh token valid, so the next call 401s and the
// renewal succeeds.
func (s *Server) ExpireAccess(role model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pair, ok := s.current[role]; ok {
		if g, ok := s.access[pair.accessHash]; ok {
			g.Expired = true
		}
	}
}

// FailRenewals makes the renewal endpoint reject everything, driving
// the pipeline's terminal path.
func (s *Server) FailRenewals(fail bool) {
	s.mu.Lock()
	s.failRenewals = fail
	s.mu.Unlock()
}

// DropStreams severs every websocket client, simulating a transport
// outage.
func (s *Server) DropStreams() {
	s.hub.dropAll()
}

// StreamClients reports how many websocket clients are connected.
func (s *Server) StreamClients() int {
	return s.hub.clientCount()
}

func (s *Server) broadcast(eventType, id string, patch model.OrderPatch) {
	data, err := json.Marshal(patch)
	if err != nil {
		log.Error().Err(err).Msg("mockapi: encode event payload")
		return
	}
	s.hub.broadcast(streamEvent{Type: eventType, Topic: "order", ID: id, Data: data})
}

func sortOrders(orders []model.OrderRecord) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].UpdatedAt.Equal(orders[j].UpdatedAt) {
			return orders[i].UpdatedAt.After(orders[j].UpdatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
