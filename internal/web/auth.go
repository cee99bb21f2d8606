package web

import (
	"net/http"

	"github.com/fernbed/drip/internal/api"
)

// LoginData is the template context for the login page.
type LoginData struct {
	BrandName string
	Email     string
	Error     string
}

func (s *WebServer) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.loggedIn() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.render(w, r, "login.html", LoginData{BrandName: brandName})
}

// handleLogin authenticates against the platform and persists the
// returned token. Failures render inline on the login page.
func (s *WebServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds := api.Credentials{
		Email:    r.FormValue("email"),
		Password: r.FormValue("password"),
	}

	res := s.platform.Login(r.Context(), creds)
	if res.IsError {
		s.render(w, r, "login.html", LoginData{
			BrandName: brandName,
			Email:     creds.Email,
			Error:     pageError("login failed", res.Code, res.Message),
		})
		return
	}

	if err := s.sessions.Save(res.Data.Token, res.Data.Name); err != nil {
		s.logger.Error("persist session", "error", err)
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}
	s.logger.Info("logged in", "user", res.Data.Name)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleRegister creates an account, then logs it in. The platform's
// register endpoint does not hand out a token, so the login round trip
// is mandatory.
func (s *WebServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds := api.Credentials{
		Email:    r.FormValue("email"),
		Password: r.FormValue("password"),
	}

	res := s.platform.Register(r.Context(), creds)
	if res.IsError {
		s.render(w, r, "login.html", LoginData{
			BrandName: brandName,
			Email:     creds.Email,
			Error:     pageError("registration failed", res.Code, res.Message),
		})
		return
	}

	login := s.platform.Login(r.Context(), creds)
	if login.IsError {
		s.render(w, r, "login.html", LoginData{
			BrandName: brandName,
			Email:     creds.Email,
			Error:     pageError("account created, login failed", login.Code, login.Message),
		})
		return
	}

	if err := s.sessions.Save(login.Data.Token, login.Data.Name); err != nil {
		s.logger.Error("persist session", "error", err)
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout invalidates the token server-side and clears the local
// session either way. A platform failure here is not worth stranding
// the user on.
func (s *WebServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if res := s.platform.Logout(r.Context()); res.IsError {
		s.logger.Warn("platform logout failed", "code", res.Code, "message", res.Message)
	}
	if err := s.sessions.Clear(); err != nil {
		s.logger.Error("clear session", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
