// Package api exposes the typed platform API surface the console uses,
// dispatched through the resilient request pipeline.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/audit"
	"github.com/opsdesk/console-client-go/internal/model"
	"github.com/opsdesk/console-client-go/internal/pipeline"
	"github.com/opsdesk/console-client-go/internal/sessionstore"
)

type Client struct {
	pipe  *pipeline.Pipeline
	store sessionstore.Store
}

func New(pipe *pipeline.Pipeline, store sessionstore.Store) *Client {
	return &Client{pipe: pipe, store: store}
}

type loginRequest struct {
	Role     model.Role `json:"role"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
}

type loginResponse struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	User         model.UserSummary `json:"user"`
}

// Login authenticates one role and stores the returned session. It is
// a credential call: a 401 here is AuthInvalid, never a renewal
// trigger.
func (c *Client) Login(ctx context.Context, role model.Role, email, password string) (*model.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	resp, err := c.pipe.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/login",
		Body:   loginRequest{Role: role, Email: email, Password: password},
		Role:   role,
		Class:  pipeline.ClassCredential,
	})
	if err != nil {
		audit.Log(audit.Event{Type: audit.EventLoginFailure, Role: role})
		return nil, err
	}

	var payload loginResponse
	if err := resp.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}

	session := model.Session{
		Role:         role,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         payload.User,
	}
	if err := c.store.Set(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	audit.Log(audit.Event{Type: audit.EventLoginSuccess, Role: role, UserID: payload.User.ID})
	log.Info().Str("role", string(role)).Str("user", payload.User.Email).Msg("logged in")
	return &session, nil
}

// Logout tells the server to drop the session, then clears the local
// store regardless of what the server said.
func (c *Client) Logout(ctx context.Context, role model.Role) error {
	_, err := c.pipe.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/logout",
		Role:   role,
		Class:  pipeline.ClassCredential,
	})
	if err != nil {
		log.Warn().Err(err).Str("role", string(role)).Msg("server-side logout failed")
	}

	if clearErr := c.store.Clear(ctx, role); clearErr != nil {
		return fmt.Errorf("clear session: %w", clearErr)
	}
	audit.Log(audit.Event{Type: audit.EventLogout, Role: role})
	return nil
}

// ListOrdersParams filter and page the order listing. Zero values mean
// server defaults.
type ListOrdersParams struct {
	Status   model.OrderStatus
	Page     int
	PageSize int
}

// OrderPage is one page of the order listing. Items are patches: the
// listing carries summary fields only, so the reconciler merges rather
// than overwrites.
type OrderPage struct {
	Items    []model.OrderPatch `json:"items"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

// ListOrders fetches one listing page. It doubles as the poll snapshot
// fetch and the feed's initial seed.
func (c *Client) ListOrders(ctx context.Context, role model.Role, params ListOrdersParams) (*OrderPage, error) {
	query := url.Values{}
	if params.Status != "" {
		query.Set("status", string(params.Status))
	}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(params.PageSize))
	}

	resp, err := c.pipe.Do(ctx, pipeline.Request{
		Method: http.MethodGet,
		Path:   "/v1/orders",
		Query:  query,
		Role:   role,
	})
	if err != nil {
		return nil, err
	}

	var page OrderPage
	if err := resp.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode order page: %w", err)
	}
	return &page, nil
}

// GetOrder fetches one order with full detail.
func (c *Client) GetOrder(ctx context.Context, role model.Role, id string) (*model.OrderRecord, error) {
	resp, err := c.pipe.Do(ctx, pipeline.Request{
		Method: http.MethodGet,
		Path:   "/v1/orders/" + url.PathEscape(id),
		Role:   role,
	})
	if err != nil {
		return nil, err
	}

	var record model.OrderRecord
	if err := resp.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &record, nil
}
