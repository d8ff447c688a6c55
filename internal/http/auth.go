package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/access"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// bearerToken 从 Authorization 头或 session_token cookie 读取令牌
func bearerToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", nil
}

// authenticate 解析可选的会话令牌；无令牌时按匿名处理，令牌无效时返回 401
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.sessions.Parse(raw)
		if err != nil {
			s.log.Debug("reject session token",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Error(err),
			)
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}

		p := &access.Principal{
			UserID:   claims.UserID,
			Email:    claims.Email,
			Revision: claims.Revision,
			Snapshot: claims.Entitlement,
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth 必须先经过 authenticate
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// principalFrom 从 context 获取当前调用者，匿名时返回 nil
func principalFrom(ctx context.Context) *access.Principal {
	if p, ok := ctx.Value(contextKeyPrincipal).(*access.Principal); ok {
		return p
	}
	return nil
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.respondErrorWithLog(w, r, http.StatusBadRequest, err, "decode_request")
		return
	}
	user, err := s.accounts.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "signup")
		return
	}
	s.respondWithSession(w, r, http.StatusCreated, user, nil)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.respondErrorWithLog(w, r, http.StatusBadRequest, err, "decode_request")
		return
	}
	user, err := s.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondWithSession(w, r, http.StatusOK, user, nil)
}

// respondWithSession 签发令牌并返回用户公开信息
func (s *Server) respondWithSession(w http.ResponseWriter, r *http.Request, status int, user models.User, extra map[string]any) {
	tok, err := s.sessions.Issue(r.Context(), user)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "issue_session")
		return
	}
	body := map[string]any{
		"token":      tok.Token,
		"expires_at": tok.ExpiresAt,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"entitlement": tok.Snapshot,
	}
	for k, v := range extra {
		body[k] = v
	}
	respondJSON(w, status, body)
}
