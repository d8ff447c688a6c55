package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/access"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/catalog"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/checkout"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/config"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/reconcile"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/services"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/session"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	sessionCookieName    = "session_token"
	refreshedTokenHeader = "X-Session-Token"
)

var errProviderUnavailable = errors.New("payment provider unavailable, please try again")

// Deps 服务依赖，全部在 main 中构建后注入
type Deps struct {
	Config       config.Config
	Accounts     *services.Service
	Catalog      *catalog.Catalog
	Evaluator    *access.Evaluator
	Checkout     *checkout.Orchestrator
	Reconciler   *reconcile.Reconciler
	Sessions     *session.Bridge
	Entitlements store.EntitlementStore
	Webhooks     store.WebhookEventStore
	Tiers        *billing.TierResolver
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Log          *zap.Logger
}

type Server struct {
	cfg          config.Config
	accounts     *services.Service
	catalog      *catalog.Catalog
	evaluator    *access.Evaluator
	checkout     *checkout.Orchestrator
	reconciler   *reconcile.Reconciler
	sessions     *session.Bridge
	entitlements store.EntitlementStore
	webhooks     store.WebhookEventStore
	tiers        *billing.TierResolver
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	log          *zap.Logger
	validate     *validator.Validate

	googleEndpoint    oauth2.Endpoint
	googleUserInfoURL string
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:               d.Config,
		accounts:          d.Accounts,
		catalog:           d.Catalog,
		evaluator:         d.Evaluator,
		checkout:          d.Checkout,
		reconciler:        d.Reconciler,
		sessions:          d.Sessions,
		entitlements:      d.Entitlements,
		webhooks:          d.Webhooks,
		tiers:             d.Tiers,
		metrics:           d.Metrics,
		gatherer:          gatherer,
		log:               log,
		validate:          validator.New(),
		googleEndpoint:    google.Endpoint,
		googleUserInfoURL: defaultGoogleUserInfoURL,
	}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func (s *Server) loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.log.Error("panic recovered",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rvr),
					zap.ByteString("stack", debug.Stack()),
				)
				if r.Header.Get("Connection") != "Upgrade" {
					respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingRecoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// 所有 API 路由都在 /api 前缀下
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/auth/google", s.handleGoogleLogin)
		r.Get("/auth/google/callback", s.handleGoogleCallback)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// 可选认证：无令牌按匿名用户处理
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/access", s.handleAccess)
			r.Get("/videos", s.handleListVideos)
			r.Get("/videos/{id}/access", s.handleVideoAccess)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)

				r.Post("/subscriptions/upgrade", s.handleUpgrade)
				r.Get("/me/entitlement", s.handleMyEntitlement)
				r.Post("/session/refresh", s.handleRefreshSession)
			})
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", refreshedTokenHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accessResponse struct {
	HasAccess    bool      `json:"hasAccess"`
	RequiredTier tier.Tier `json:"requiredTier"`
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("tier")
	if raw == "" {
		respondError(w, http.StatusBadRequest, errors.New("tier is required"))
		return
	}
	required, err := tier.Parse(raw)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "parse_tier")
		return
	}
	p := principalFrom(r.Context())
	decision := s.evaluator.Evaluate(r.Context(), p, models.ContentItem{ID: "tier:" + required.String(), RequiredTier: required})
	s.refreshIfStale(w, r, p, decision.Stale)
	respondJSON(w, http.StatusOK, accessResponse{HasAccess: decision.Granted, RequiredTier: required})
}

type videoView struct {
	models.ContentItem
	HasAccess bool `json:"hasAccess"`
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	ent, path, stale := s.evaluator.Resolve(r.Context(), p)
	s.refreshIfStale(w, r, p, stale)

	items := s.catalog.List()
	videos := make([]videoView, 0, len(items))
	for _, item := range items {
		granted := access.CanAccess(ent, item)
		s.metrics.AccessDecision(item.RequiredTier.String(), string(path), granted)
		videos = append(videos, videoView{ContentItem: item, HasAccess: granted})
	}
	respondJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (s *Server) handleVideoAccess(w http.ResponseWriter, r *http.Request) {
	item, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "get_video")
		return
	}
	p := principalFrom(r.Context())
	decision := s.evaluator.Evaluate(r.Context(), p, item)
	s.refreshIfStale(w, r, p, decision.Stale)
	respondJSON(w, http.StatusOK, accessResponse{HasAccess: decision.Granted, RequiredTier: item.RequiredTier})
}

type upgradeRequest struct {
	RequestedTier string `json:"requestedTier" validate:"required"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.respondErrorWithLog(w, r, http.StatusBadRequest, err, "decode_request")
		return
	}
	requested, err := tier.Parse(req.RequestedTier)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "parse_tier")
		return
	}
	p := principalFrom(r.Context())
	intent, err := s.checkout.StartUpgrade(r.Context(), p.UserID, requested)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "start_upgrade")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"checkoutUrl": intent.CheckoutURL,
		"sessionId":   intent.SessionID,
	})
}

func (s *Server) handleMyEntitlement(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	ent, err := s.entitlements.Get(r.Context(), p.UserID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "get_entitlement")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entitlement":   ent,
		"effectiveTier": access.EffectiveTier(ent),
	})
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	tok, err := s.sessions.Refresh(r.Context(), p.UserID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "refresh_session")
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

// refreshIfStale 令牌版本落后时在响应头附上最新令牌
func (s *Server) refreshIfStale(w http.ResponseWriter, r *http.Request, p *access.Principal, stale bool) {
	if !stale || p == nil {
		return
	}
	tok, err := s.sessions.Refresh(r.Context(), p.UserID)
	if err != nil {
		s.log.Warn("refresh stale session token",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("user_id", p.UserID),
			zap.Error(err),
		)
		return
	}
	w.Header().Set(refreshedTokenHeader, tok.Token)
}

func (s *Server) decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %s validation", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	s.respondServiceErrorWithContext(w, r, err, "")
}

func (s *Server) respondServiceErrorWithContext(w http.ResponseWriter, r *http.Request, err error, context string) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, tier.ErrUnknownTier):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrUnauthorized),
		errors.Is(err, session.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrEmailAlreadyExists):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrUserDisabled):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, billing.ErrProvider):
		s.log.Error("billing provider failure",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("context", context),
			zap.Error(err),
		)
		respondError(w, http.StatusBadGateway, errProviderUnavailable)
	case errors.Is(err, billing.ErrNotConfigured):
		s.respondErrorWithLog(w, r, http.StatusServiceUnavailable, err, context)
	default:
		// 对于未知错误，记录详细日志
		s.respondErrorWithLog(w, r, http.StatusInternalServerError, err, context)
	}
}
