// Package pipeline dispatches authenticated platform API calls and owns
// the single-flight session renewal protocol: the first call to observe
// an expired credential drives one renewal while every other 401 queues
// behind it, and the queue is replayed in enqueue order once the renewal
// settles. Each call is replayed at most once.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/audit"
	"github.com/opsdesk/console-client-go/internal/config"
	apperrors "github.com/opsdesk/console-client-go/internal/errors"
	"github.com/opsdesk/console-client-go/internal/model"
	"github.com/opsdesk/console-client-go/internal/sessionstore"
	"github.com/opsdesk/console-client-go/internal/util"
)

const renewPath = "/v1/auth/renew"

type state int

const (
	stateIdle state = iota
	stateRenewing
)

type replayResult struct {
	resp *Response
	err  error
}

// pendingRequest is a call captured between the first 401 and the
// renewal's resolution.
type pendingRequest struct {
	id   string
	ctx  context.Context
	req  Request
	done chan replayResult // buffered; the drain never blocks on it
}

type expiredListener struct {
	id int
	fn func(model.Role, error)
}

type Pipeline struct {
	baseURL      string
	client       *http.Client
	store        sessionstore.Store
	renewTimeout time.Duration

	mu         sync.Mutex
	state      state
	queue      []*pendingRequest
	expired    []expiredListener
	nextExpire int
}

// New builds a pipeline over the given session store. A nil httpClient
// gets a default with the shared request timeout.
func New(baseURL string, store sessionstore.Store, httpClient *http.Client) *Pipeline {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	return &Pipeline{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:       httpClient,
		store:        store,
		renewTimeout: config.RenewTimeout,
	}
}

// OnSessionExpired registers fn to run once per terminal renewal
// failure, after the role's session has been cleared. The returned
// func removes the listener.
func (p *Pipeline) OnSessionExpired(fn func(role model.Role, cause error)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextExpire
	p.nextExpire++
	p.expired = append(p.expired, expiredListener{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.expired {
			if l.id == id {
				p.expired = append(p.expired[:i], p.expired[i+1:]...)
				return
			}
		}
	}
}

// Do dispatches one call with the role's current credentials. On a 401
// it drives (or queues behind) the single-flight renewal and replays
// the call once with the fresh credentials. All other failures pass
// through normalized, never retried.
func (p *Pipeline) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 400 {
		return resp, nil
	}

	code, message := decodeErrorBody(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		if req.Class == ClassCredential {
			return nil, apperrors.AuthInvalid(code, messageOr(message, "credentials rejected"))
		}
		return p.awaitRenewal(ctx, req)
	}

	return nil, apperrors.FromStatus(resp.StatusCode, code,
		messageOr(message, http.StatusText(resp.StatusCode)), retryAfter(resp.Header))
}

// dispatch performs one wire call: credentials attached, body encoded,
// no retry logic of any kind.
func (p *Pipeline) dispatch(ctx context.Context, req Request) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := p.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	session, err := p.store.Get(ctx, req.Role)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if session != nil {
		httpReq.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NetworkUnreachable(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.NetworkUnreachable(err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

// awaitRenewal queues the 401'd call behind the single renewal and
// waits for its replay result. The first caller to observe a 401 while
// the pipeline is idle becomes the renewal driver; everyone else only
// queues.
func (p *Pipeline) awaitRenewal(ctx context.Context, req Request) (*Response, error) {
	pending := &pendingRequest{
		id:   uuid.NewString(),
		ctx:  ctx,
		req:  req,
		done: make(chan replayResult, 1),
	}

	p.mu.Lock()
	p.queue = append(p.queue, pending)
	drives := p.state == stateIdle
	if drives {
		p.state = stateRenewing
	}
	queued := len(p.queue)
	p.mu.Unlock()

	log.Debug().
		Str("pendingId", pending.id).
		Str("path", req.Path).
		Bool("driver", drives).
		Int("queued", queued).
		Msg("expired credentials, call queued behind renewal")

	if drives {
		go p.renewAndReplay(req.Role)
	}

	select {
	case result := <-pending.done:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// renewAndReplay issues the single renewal call, then either replays
// the captured queue in enqueue order or rejects it wholesale.
func (p *Pipeline) renewAndReplay(role model.Role) {
	renewErr := p.renew(role)

	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.state = stateIdle
	p.mu.Unlock()

	if renewErr != nil {
		log.Warn().
			Err(renewErr).
			Str("role", string(role)).
			Int("rejected", len(queue)).
			Msg("renewal failed, session is terminal")

		clearCtx, cancel := context.WithTimeout(context.Background(), p.renewTimeout)
		defer cancel()
		if err := p.store.Clear(clearCtx, role); err != nil {
			log.Error().Err(err).Str("role", string(role)).Msg("failed to clear session after renewal failure")
		}

		for _, pending := range queue {
			pending.done <- replayResult{err: renewErr}
		}

		audit.Log(audit.Event{
			Type: audit.EventRenewalFailure,
			Role: role,
			Details: map[string]interface{}{
				"error": renewErr.Error(),
			},
		})
		audit.Log(audit.Event{
			Type: audit.EventSessionExpired,
			Role: role,
			Details: map[string]interface{}{
				"rejected": len(queue),
			},
		})
		p.emitSessionExpired(role, renewErr)
		return
	}

	audit.Log(audit.Event{Type: audit.EventTokenRenewed, Role: role})
	log.Info().
		Str("role", string(role)).
		Int("replaying", len(queue)).
		Msg("renewal succeeded, replaying queued calls")

	for _, pending := range queue {
		pending.done <- p.replay(pending)
	}
}

// replay re-dispatches one queued call with the fresh credentials. A
// second 401 here is a hard authorization failure, never another
// renewal.
func (p *Pipeline) replay(pending *pendingRequest) replayResult {
	if err := pending.ctx.Err(); err != nil {
		return replayResult{err: err}
	}

	resp, err := p.dispatch(pending.ctx, pending.req)
	if err != nil {
		return replayResult{err: err}
	}

	if resp.StatusCode < 400 {
		return replayResult{resp: resp}
	}

	code, message := decodeErrorBody(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return replayResult{err: apperrors.AuthInvalid(code, messageOr(message, "credentials rejected after renewal"))}
	}
	return replayResult{err: apperrors.FromStatus(resp.StatusCode, code,
		messageOr(message, http.StatusText(resp.StatusCode)), retryAfter(resp.Header))}
}

type renewRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type renewResponse struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	User         *model.UserSummary `json:"user,omitempty"`
}

// renew exchanges the stored refresh token for a fresh credential pair
// and writes it back to the store. It runs on a detached context so a
// canceled caller cannot strand the queue; a timeout counts as a
// renewal failure.
func (p *Pipeline) renew(role model.Role) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.renewTimeout)
	defer cancel()

	session, err := p.store.Get(ctx, role)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if session == nil {
		return apperrors.AuthInvalid(apperrors.CodeSessionClosed, "no session held for role")
	}

	resp, err := p.dispatch(ctx, Request{
		Method: http.MethodPost,
		Path:   renewPath,
		Body:   renewRequest{RefreshToken: session.RefreshToken},
		Role:   role,
		Class:  ClassCredential,
	})
	if err != nil {
		return fmt.Errorf("renewal call: %w", err)
	}

	if resp.StatusCode >= 400 {
		code, message := decodeErrorBody(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized {
			return apperrors.AuthInvalid(code, messageOr(message, "renewal rejected"))
		}
		return apperrors.FromStatus(resp.StatusCode, code,
			messageOr(message, "renewal failed"), retryAfter(resp.Header))
	}

	var payload renewResponse
	if err := resp.Decode(&payload); err != nil {
		return fmt.Errorf("decode renewal response: %w", err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return fmt.Errorf("renewal response is missing token material")
	}

	renewed := model.Session{
		Role:         role,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         session.User,
	}
	if payload.User != nil {
		renewed.User = *payload.User
	}

	if err := p.store.Set(ctx, renewed); err != nil {
		return fmt.Errorf("store renewed session: %w", err)
	}

	log.Debug().
		Str("role", string(role)).
		Str("access", util.MaskToken(renewed.AccessToken)).
		Msg("stored renewed credential pair")

	return nil
}

func (p *Pipeline) emitSessionExpired(role model.Role, cause error) {
	p.mu.Lock()
	listeners := make([]func(model.Role, error), 0, len(p.expired))
	for _, l := range p.expired {
		listeners = append(listeners, l.fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(role, cause)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeErrorBody(body []byte) (code, message string) {
	var payload errorBody
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return "", ""
	}
	return payload.Code, payload.Error
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
