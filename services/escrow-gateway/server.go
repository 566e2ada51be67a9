package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server fronts the escrowd node for API clients: JWT auth, idempotent
// mutations, an audit trail and webhook management.
type Server struct {
	auth       *Authenticator
	node       NodeClient
	store      *SQLiteStore
	dispatcher *WebhookDispatcher
	logger     *slog.Logger
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, dispatcher *WebhookDispatcher, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{auth: auth, node: node, store: store, dispatcher: dispatcher, logger: logger}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/agreements", s.handleCreate)
		r.Get("/agreements/{id}", s.handleGet)
		r.Post("/agreements/{id}/deposit", s.handleDeposit)
		r.Post("/agreements/{id}/release", s.handleRelease)
		r.Post("/agreements/{id}/refund", s.handleRefund)
		r.Post("/agreements/{id}/dispute", s.handleDispute)
		r.Post("/agreements/{id}/resolve", s.handleResolve)
		r.Post("/webhooks", s.handleWebhookCreate)
	})
	return r
}

type principalKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func principalFrom(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalKey{}).(*Principal)
	return principal
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return body
}

// nodeStatus maps escrowd JSON-RPC error codes onto gateway HTTP statuses.
func nodeStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case -32021:
		return http.StatusBadRequest
	case -32022:
		return http.StatusNotFound
	case -32023:
		return http.StatusForbidden
	case -32024:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, reqBody []byte, status int, respBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	if err := s.store.Audit(ctx, apiKey, r.Method, r.URL.Path, reqBody, status, respBody); err != nil {
		s.logger.Warn("audit write failed", "err", err)
	}
}

// withIdempotency wraps a mutation: replay a cached response when the key was
// seen before, otherwise run the call and persist its outcome.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, run func(ctx context.Context) (int, interface{}, error)) {
	principal := principalFrom(r.Context())
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	status, payload, callErr := run(ctx)
	if callErr != nil {
		status = nodeStatus(callErr)
		errBody := []byte(fmt.Sprintf(`{"error":%q}`, callErr.Error()))
		s.writeError(w, status, callErr)
		s.audit(r.Context(), principal, r, body, status, errBody)
		// 4xx outcomes are deterministic; cache them so retries replay.
		if status >= 400 && status < 500 {
			if err := s.store.StoreIdempotency(r.Context(), principal.APIKey, key, requestHash, status, errBody); err != nil {
				s.logger.Warn("idempotency store failed", "err", err)
			}
		}
		return
	}
	respBody := s.writeJSON(w, status, payload)
	if respBody == nil {
		return
	}
	s.audit(r.Context(), principal, r, body, status, respBody)
	if err := s.store.StoreIdempotency(r.Context(), principal.APIKey, key, requestHash, status, respBody); err != nil {
		s.logger.Warn("idempotency store failed", "err", err)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req AgreementCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Client) == "" || strings.TrimSpace(req.Freelancer) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("client and freelancer are required"))
		return
	}
	if len(req.Milestones) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("at least one milestone is required"))
		return
	}
	s.withIdempotency(w, r, body, func(ctx context.Context) (int, interface{}, error) {
		created, err := s.node.AgreementCreate(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, created, nil
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	agreement, err := s.node.AgreementGet(ctx, id)
	if err != nil {
		s.writeError(w, nodeStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, agreement)
}

type depositRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req depositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	s.withIdempotency(w, r, body, func(ctx context.Context) (int, interface{}, error) {
		result, err := s.node.Deposit(ctx, id, req.Caller, req.Amount)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, result, nil
	})
}

type releaseRequest struct {
	Caller    string `json:"caller"`
	Milestone uint32 `json:"milestone"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req releaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	s.withIdempotency(w, r, body, func(ctx context.Context) (int, interface{}, error) {
		agreement, err := s.node.Release(ctx, id, req.Caller, req.Milestone)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, agreement, nil
	})
}

type actorRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleActorCall(w, r, s.node.Refund)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.handleActorCall(w, r, s.node.Dispute)
}

func (s *Server) handleActorCall(w http.ResponseWriter, r *http.Request, call func(context.Context, string, string) (*AgreementState, error)) {
	id := chi.URLParam(r, "id")
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req actorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	s.withIdempotency(w, r, body, func(ctx context.Context) (int, interface{}, error) {
		agreement, err := call(ctx, id, req.Caller)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, agreement, nil
	})
}

type resolveRequest struct {
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	s.withIdempotency(w, r, body, func(ctx context.Context) (int, interface{}, error) {
		agreement, err := s.node.Resolve(ctx, id, req.Caller, req.Outcome)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, agreement, nil
	})
}

type webhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req webhookCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("url and secret are required"))
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		req.EventType = "*"
	}
	id, err := s.store.CreateWebhook(r.Context(), &WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: req.EventType,
		URL:       req.URL,
		Secret:    req.Secret,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        id,
		"eventType": req.EventType,
		"url":       req.URL,
	})
}
