package api

import (
	"net/http"

	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.deps.Auth.Register(req.Email, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	pair, err := s.deps.Auth.Login(req.Email, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	pair, err := s.deps.Auth.Refresh(req.RefreshToken)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Auth.Logout(req.RefreshToken); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == nil {
		s.writeErr(w, apperr.E(apperr.KindAuth, "authentication required"))
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == nil {
		s.writeErr(w, apperr.E(apperr.KindAuth, "authentication required"))
		return
	}
	prefs, err := s.deps.Store.ListPreferences(user.ID)
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list preferences", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "key is required"))
		return
	}
	pref := &types.UserPreference{UserID: user.ID, Key: req.Key, Value: req.Value}
	if err := s.deps.Store.UpsertPreference(pref); err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "save preference", err))
		return
	}
	s.writeJSON(w, http.StatusOK, pref)
}
