package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rewear/config"
	"rewear/models"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const oauthStateCookie = "rewear_oauth_state"

var googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// googleConfig returns nil when Google sign-in is not configured.
func googleConfig(cfg *config.Config) *oauth2.Config {
	if cfg == nil || !cfg.GoogleEnabled() {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}
}

func (h *Handler) GoogleAuthURL(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth not configured"})
		return
	}

	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, int((10 * time.Minute).Seconds()), "/", "", h.cfg.Release(), true)
	c.JSON(http.StatusOK, gin.H{"url": h.google.AuthCodeURL(state, oauth2.AccessTypeOnline)})
}

func (h *Handler) GoogleCallback(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth not configured"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authorization code missing"})
		return
	}
	expected, err := c.Cookie(oauthStateCookie)
	if err != nil || expected == "" || expected != c.Query("state") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OAuth state"})
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/", "", h.cfg.Release(), true)

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	token, err := h.google.Exchange(ctx, code)
	if err != nil {
		h.logger.Warn("Google token exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to exchange authorization code"})
		return
	}

	info, err := fetchGoogleUser(h.google.Client(ctx, token))
	if err != nil {
		h.logger.Warn("Google user info failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to get user information"})
		return
	}
	if info.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email not provided by Google"})
		return
	}

	email := strings.ToLower(info.Email)
	user, err := h.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = h.newUserFromGoogle(email, info)
		if err := h.store.CreateUser(ctx, user); err != nil {
			h.serverError(c, "GoogleCallback", err)
			return
		}
		h.logger.Info("User signed up with Google", zap.String("userId", user.ID.Hex()))
	case err != nil:
		h.serverError(c, "GoogleCallback", err)
		return
	default:
		now := time.Now().Unix()
		if user.Avatar == "" && info.Picture != "" {
			if updated, err := h.store.UpdateUser(ctx, user.ID, models.UserUpdate{Avatar: &info.Picture}); err == nil {
				user = updated
			}
		}
		if err := h.store.TouchUser(ctx, user.ID, now); err != nil {
			h.logger.Warn("Failed to update last seen", zap.String("userId", user.ID.Hex()), zap.Error(err))
		}
		user.LastSeen = now
	}

	h.respondWithToken(c, http.StatusOK, user, "Authentication successful")
}

func fetchGoogleUser(client *http.Client) (*GoogleUserInfo, error) {
	resp, err := client.Get(googleUserInfoURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	var info GoogleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

func (h *Handler) newUserFromGoogle(email string, info *GoogleUserInfo) *models.User {
	name := info.Name
	if name == "" {
		name = strings.TrimSpace(info.GivenName + " " + info.FamilyName)
	}
	user := h.newUser(email, name, models.AuthProviderGoogle)
	if user.Name == "" {
		user.Name = user.Username
	}
	if info.ID != "" {
		googleID := info.ID
		user.GoogleID = &googleID
	}
	user.Avatar = info.Picture
	return user
}
