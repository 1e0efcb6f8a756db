package rest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/prsentry/prsentry-backend/internal/auth"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/pkg/logger"
)

const stateCookieName = "oauth_state"

// platformUser is the profile returned by the platform's /user endpoint.
type platformUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Login starts the OAuth flow: sets a random state cookie and redirects to
// the platform's authorize page.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		reqID := logger.FromContext(r.Context())
		h.log.Error("generate oauth state failed", "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/api/v1/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oauth.AuthCodeURL(state), http.StatusFound)
}

// Callback finishes the OAuth flow: verifies state, exchanges the code,
// fetches the platform profile, upserts the user, links any org
// installations the user is a member of, and hands a session token to the
// dashboard via redirect.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := logger.FromContext(ctx)

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "OAuth state mismatch", reqID)
		return
	}
	// One-shot cookie.
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/api/v1/auth", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Missing authorization code", reqID)
		return
	}

	token, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		h.log.Error("oauth code exchange failed", "error", err)
		respondError(w, http.StatusBadGateway, ErrCodeInternalError, "OAuth exchange failed", reqID)
		return
	}

	profile, err := h.fetchProfile(ctx, token)
	if err != nil {
		h.log.Error("fetch platform profile failed", "error", err)
		respondError(w, http.StatusBadGateway, ErrCodeInternalError, "Failed to fetch user profile", reqID)
		return
	}

	user, err := h.store.UpsertUserByPlatformID(ctx, &models.User{
		PlatformID: profile.ID,
		Username:   profile.Login,
		Email:      profile.Email,
		AvatarURL:  profile.AvatarURL,
	})
	if err != nil {
		h.log.Error("upsert user failed", "platform_id", profile.ID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return
	}

	// Best effort: pick up org installations created before this user's
	// first login. Failure never blocks the login itself.
	if h.syncer != nil {
		if linked := h.syncer.SyncUser(ctx, user); linked > 0 {
			h.log.Info("linked installations on login", "user_id", user.ID, "linked", linked)
		}
	}

	session, err := auth.IssueAccessToken(h.cfg.JWTSecret, user.ID, user.Username, user.Role)
	if err != nil {
		h.log.Error("issue session token failed", "user_id", user.ID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return
	}

	h.log.Info("user logged in", "user_id", user.ID, "username", user.Username)
	http.Redirect(w, r, h.cfg.FrontendBaseURL+"/auth/callback?token="+url.QueryEscape(session), http.StatusFound)
}

func (h *Handler) fetchProfile(ctx context.Context, token *oauth2.Token) (*platformUser, error) {
	client := h.oauth.Client(ctx, token)
	resp, err := client.Get(h.cfg.PlatformAPIBaseURL + "/user")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}
	var profile platformUser
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if profile.ID == 0 || profile.Login == "" {
		return nil, fmt.Errorf("profile missing id or login")
	}
	return &profile, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
