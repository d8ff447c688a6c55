package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	oauthStateCookieName     = "oauth_state"
)

// GoogleUserInfo Google 用户信息结构
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// getGoogleOAuthConfig 获取 Google OAuth 配置
func (s *Server) getGoogleOAuthConfig() (*oauth2.Config, error) {
	if !s.cfg.GoogleEnabled() {
		return nil, errors.New("Google OAuth not configured")
	}
	return &oauth2.Config{
		ClientID:     s.cfg.GoogleClientID,
		ClientSecret: s.cfg.GoogleClientSecret,
		RedirectURL:  s.cfg.GoogleRedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: s.googleEndpoint,
	}, nil
}

// generateCSRFToken 生成随机 CSRF 令牌
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// handleGoogleLogin 处理 Google OAuth 登录请求
// 重定向用户到 Google 授权页面，state 同时写入 cookie 供回调校验
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	config, err := s.getGoogleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	state, err := generateCSRFToken()
	if err != nil {
		s.respondErrorWithLog(w, r, http.StatusInternalServerError, err, "generate_state")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state,
		Path:     "/api/auth/google",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// handleGoogleCallback 处理 Google OAuth 回调
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	config, err := s.getGoogleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	state := r.URL.Query().Get("state")
	cookie, cookieErr := r.Cookie(oauthStateCookieName)
	if state == "" || cookieErr != nil || subtle.ConstantTimeCompare([]byte(state), []byte(cookie.Value)) != 1 {
		respondError(w, http.StatusBadRequest, errors.New("invalid state parameter"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookieName, Path: "/api/auth/google", MaxAge: -1})

	frontendCallbackURL := s.cfg.GoogleFrontendCallbackURL

	// 辅助函数：重定向到前端并带上错误信息
	redirectWithError := func(errMsg string) {
		if frontendCallbackURL != "" {
			http.Redirect(w, r, frontendCallbackURL+"?"+url.Values{"error": {errMsg}}.Encode(), http.StatusTemporaryRedirect)
		} else {
			respondError(w, http.StatusBadRequest, errors.New(errMsg))
		}
	}

	// 检查是否有错误
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		redirectWithError("oauth_error")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		redirectWithError("missing_code")
		return
	}

	// 交换授权码获取访问令牌
	token, err := config.Exchange(r.Context(), code)
	if err != nil {
		s.log.Warn("google token exchange failed", zap.Error(err))
		redirectWithError("token_exchange_failed")
		return
	}

	userInfo, err := s.getGoogleUserInfo(r.Context(), config, token)
	if err != nil {
		s.log.Warn("google user info failed", zap.Error(err))
		redirectWithError("get_user_info_failed")
		return
	}

	if !userInfo.VerifiedEmail {
		redirectWithError("email_not_verified")
		return
	}

	// 获取或创建用户，新用户默认 Bronze 等级
	user, isNewUser, err := s.accounts.GetOrCreateByGoogle(r.Context(), userInfo.ID, userInfo.Email)
	if err != nil {
		s.log.Error("google sign-in user lookup failed", zap.Error(err))
		redirectWithError("create_user_failed")
		return
	}

	if user.Status != models.UserStatusActive {
		redirectWithError("user_disabled")
		return
	}

	// 如果配置了前端回调地址，重定向到前端
	if frontendCallbackURL != "" {
		tok, err := s.sessions.Issue(r.Context(), user)
		if err != nil {
			s.log.Error("issue session after google sign-in", zap.String("user_id", user.ID), zap.Error(err))
			redirectWithError("token_generation_failed")
			return
		}
		q := url.Values{
			"token":       {tok.Token},
			"is_new_user": {fmt.Sprint(isNewUser)},
		}
		http.Redirect(w, r, frontendCallbackURL+"?"+q.Encode(), http.StatusTemporaryRedirect)
		return
	}

	// 如果没有配置前端回调地址，返回 JSON（用于测试或 API 调用）
	s.respondWithSession(w, r, http.StatusOK, user, map[string]any{"is_new_user": isNewUser})
}

// getGoogleUserInfo 使用访问令牌获取 Google 用户信息
func (s *Server) getGoogleUserInfo(ctx context.Context, config *oauth2.Config, token *oauth2.Token) (*GoogleUserInfo, error) {
	client := config.Client(ctx, token)

	resp, err := client.Get(s.googleUserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: unexpected status code %d", resp.StatusCode)
	}

	var userInfo GoogleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &userInfo, nil
}
