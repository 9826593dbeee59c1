package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/server/services"
)

// Byte-slice fields marshal as standard base64, which is the wire encoding
// for all salt and key material.

type saltResponse struct {
	AuthSalt   []byte `json:"authSalt"`
	KekSalt    []byte `json:"kekSalt"`
	Migrated   bool   `json:"migrated"`
	KeyVersion int64  `json:"keyVersion,omitempty"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`

	// Legacy path: plaintext password.
	Password string `json:"password,omitempty"`

	// Migrated path: client-derived material, no password.
	AuthSalt       []byte `json:"authSalt,omitempty"`
	KekSalt        []byte `json:"kekSalt,omitempty"`
	AuthSecret     []byte `json:"authSecret,omitempty"`
	WrappedUserKey []byte `json:"wrappedUserKey,omitempty"`
	UserKeyNonce   []byte `json:"userKeyNonce,omitempty"`
}

type userResponse struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Migrated   bool      `json:"migrated"`
	KeyVersion int64     `json:"keyVersion,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type registerResponse struct {
	User         userResponse `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

type loginRequest struct {
	Username string `json:"username"`

	// Exactly one of the two is set: the plaintext password (legacy clients)
	// or the client-derived authentication secret.
	Password   string `json:"password,omitempty"`
	AuthSecret []byte `json:"authSecret,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Migrated     bool   `json:"migrated"`
	KeyVersion   int64  `json:"keyVersion,omitempty"`

	// Set only when the server derived the KEK itself during this request.
	Kek []byte `json:"kek,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	// Legacy path.
	OldPassword string `json:"oldPassword,omitempty"`
	NewPassword string `json:"newPassword,omitempty"`

	// Migrated path: everything derived client-side under salts from
	// GET /api/auth/salt/new.
	OldAuthSecret []byte `json:"oldAuthSecret,omitempty"`
	NewAuthSecret []byte `json:"newAuthSecret,omitempty"`
	NewAuthSalt   []byte `json:"newAuthSalt,omitempty"`
	NewKekSalt    []byte `json:"newKekSalt,omitempty"`
	OldKek        []byte `json:"oldKek,omitempty"`
	NewKek        []byte `json:"newKek,omitempty"`
}

type changePasswordResponse struct {
	Kek        []byte `json:"kek,omitempty"`
	KeyVersion int64  `json:"keyVersion"`
}

func (s *Server) handleIssueSalts(w http.ResponseWriter, r *http.Request) {
	userName := r.URL.Query().Get("username")
	if userName == "" {
		writeError(w, common.ErrInvalidInput)
		return
	}
	if !s.limiter.allow("salt|" + userName + "|" + clientAddr(r)) {
		writeError(w, common.ErrRateLimited)
		return
	}

	bundle, err := s.auth.IssueSalts(r.Context(), userName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saltResponse{
		AuthSalt:   bundle.AuthSalt,
		KekSalt:    bundle.KEKSalt,
		Migrated:   bundle.Migrated,
		KeyVersion: bundle.KeyVersion,
	})
}

func (s *Server) handleNewSalts(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.auth.NewSalts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saltResponse{
		AuthSalt: bundle.AuthSalt,
		KekSalt:  bundle.KEKSalt,
		Migrated: bundle.Migrated,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidInput)
		return
	}

	var result *services.RegisterResult
	var err error
	if req.Password != "" {
		password := []byte(req.Password)
		defer common.WipeByteArray(password)
		result, err = s.auth.RegisterLegacy(r.Context(), req.Username, req.Email, password)
	} else {
		defer common.WipeByteArray(req.AuthSecret)
		result, err = s.auth.RegisterMigrated(r.Context(), services.RegisterMigratedParams{
			UserName:       req.Username,
			Email:          req.Email,
			AuthSalt:       req.AuthSalt,
			KEKSalt:        req.KekSalt,
			AuthSecret:     req.AuthSecret,
			WrappedUserKey: req.WrappedUserKey,
			UserKeyNonce:   req.UserKeyNonce,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		User: userResponse{
			ID:         result.User.ID,
			Username:   result.User.UserName,
			Email:      result.User.Email,
			Migrated:   result.User.Migrated,
			KeyVersion: result.User.KeyVersion,
			CreatedAt:  result.User.CreatedAt,
		},
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidInput)
		return
	}
	if req.Username == "" || (req.Password == "" && len(req.AuthSecret) == 0) {
		writeError(w, common.ErrInvalidInput)
		return
	}
	if !s.limiter.allow("login|" + req.Username + "|" + clientAddr(r)) {
		writeError(w, common.ErrRateLimited)
		return
	}

	var result *services.LoginResult
	var err error
	if len(req.AuthSecret) > 0 {
		defer common.WipeByteArray(req.AuthSecret)
		result, err = s.auth.Login(r.Context(), req.Username, req.AuthSecret)
	} else {
		password := []byte(req.Password)
		defer common.WipeByteArray(password)
		result, err = s.auth.LoginLegacy(r.Context(), req.Username, password)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if result.KEK != nil {
		defer common.WipeByteArray(result.KEK)
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Migrated:     result.Migrated,
		KeyVersion:   result.KeyVersion,
		Kek:          result.KEK,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, common.ErrInvalidInput)
		return
	}

	pair, err := s.auth.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, common.ErrInvalidInput)
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidInput)
		return
	}

	if req.OldPassword != "" || req.NewPassword != "" {
		oldPassword := []byte(req.OldPassword)
		newPassword := []byte(req.NewPassword)
		defer common.WipeByteArray(oldPassword)
		defer common.WipeByteArray(newPassword)

		result, err := s.auth.ChangePasswordLegacy(r.Context(), userID, oldPassword, newPassword)
		if err != nil {
			writeError(w, err)
			return
		}
		defer common.WipeByteArray(result.KEK)
		writeJSON(w, http.StatusOK, changePasswordResponse{
			Kek:        result.KEK,
			KeyVersion: result.KeyVersion,
		})
		return
	}

	defer common.WipeByteArray(req.OldAuthSecret)
	defer common.WipeByteArray(req.NewAuthSecret)
	defer common.WipeByteArray(req.OldKek)
	defer common.WipeByteArray(req.NewKek)

	err := s.auth.ChangePasswordMigrated(r.Context(), userID, services.ChangeKeyParams{
		OldAuthSecret: req.OldAuthSecret,
		NewAuthSecret: req.NewAuthSecret,
		NewAuthSalt:   req.NewAuthSalt,
		NewKEKSalt:    req.NewKekSalt,
		OldKEK:        req.OldKek,
		NewKEK:        req.NewKek,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Me(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{
		ID:         user.ID,
		Username:   user.UserName,
		Email:      user.Email,
		Migrated:   user.Migrated,
		KeyVersion: user.KeyVersion,
		CreatedAt:  user.CreatedAt,
	})
}

// clientAddr returns the caller's address for rate-limit keying. RealIP has
// already resolved X-Forwarded-For by the time handlers run.
func clientAddr(r *http.Request) string {
	return r.RemoteAddr
}
