package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"aio-proxy/work/auth"
	"aio-proxy/work/config"
	"aio-proxy/work/logger"

	"github.com/gorilla/mux"
)

// UserResponse is the account shape returned by the auth endpoints.
type UserResponse struct {
	ID    string `json:"id"`    // Opaque account identifier
	Email string `json:"email"` // Login email, empty for guests
	Guest bool   `json:"guest"` // True for throwaway guest accounts
}

// credentialsRequest is the signup/login request body.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// setupAuthRoutes registers the account endpoints. All of them are JSON and
// cheap, so they ride behind CORS without compression.
func setupAuthRoutes(router *mux.Router, svc *auth.Service) {
	router.HandleFunc("/api/auth/signup", corsMiddleware(handleSignup(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/login", corsMiddleware(handleLogin(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/logout", corsMiddleware(handleLogout(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/guest", corsMiddleware(handleGuest(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/me", corsMiddleware(handleMe(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/auth/me", corsMiddleware(handleDeleteMe(svc))).Methods("DELETE", "OPTIONS")
}

// handleSignup creates an account from email+password credentials and opens
// a session for it.
func handleSignup(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAuthError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, token, err := svc.Signup(req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrEmailTaken) {
				writeAuthError(w, http.StatusConflict, err.Error())
				return
			}
			writeAuthError(w, http.StatusBadRequest, err.Error())
			return
		}

		svc.SetCookie(w, token)
		writeUser(w, user)
	}
}

// handleLogin verifies credentials and opens a session.
func handleLogin(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAuthError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, token, err := svc.Login(req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrBadCredentials) {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}
			logger.Error("{auth_handlers.go - handleLogin} login failed: %v", err)
			writeAuthError(w, http.StatusInternalServerError, "Login failed")
			return
		}

		svc.SetCookie(w, token)
		writeUser(w, user)
	}
}

// handleLogout drops the current session and clears the cookie.
func handleLogout(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.Logout(r)
		svc.ClearCookie(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}
}

// handleGuest mints a throwaway account with a live session.
func handleGuest(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, token, err := svc.Guest()
		if err != nil {
			logger.Error("{auth_handlers.go - handleGuest} guest creation failed: %v", err)
			writeAuthError(w, http.StatusInternalServerError, "Guest creation failed")
			return
		}
		svc.SetCookie(w, token)
		writeUser(w, user)
	}
}

// handleMe returns the current account, or null for anonymous sessions.
func handleMe(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		user := svc.UserFrom(r)
		if user == nil {
			w.Write([]byte("null\n"))
			return
		}
		writeUser(w, user)
	}
}

// handleDeleteMe deletes the current account and its session. Repeating the
// call is harmless, which lets guest cleanup retry freely.
func handleDeleteMe(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r); err != nil {
			logger.Error("{auth_handlers.go - handleDeleteMe} delete failed: %v", err)
			writeAuthError(w, http.StatusInternalServerError, "Account deletion failed")
			return
		}
		svc.ClearCookie(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}
}

// writeUser serializes an account to the response.
func writeUser(w http.ResponseWriter, u *auth.User) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(UserResponse{ID: u.ID, Email: u.Email, Guest: u.Guest})
}

// writeAuthError sends the {"detail": ...} error shape the API uses
// everywhere.
func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// corsMiddleware provides permissive Cross-Origin Resource Sharing for the
// API endpoints so a separately hosted web UI can talk to the proxy, and
// answers preflight OPTIONS requests directly.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// setupStaticRoutes serves the built web UI when a dist directory is
// configured: real files directly, everything else falling back to
// index.html so client-side routing works. API paths never fall through
// here; they are registered first.
func setupStaticRoutes(router *mux.Router, cfg *config.Config) {
	dist := cfg.WebDist
	if dist == "" {
		return
	}
	if _, err := os.Stat(dist); err != nil {
		logger.Warn("{auth_handlers.go - setupStaticRoutes} web dist %q not found, static serving disabled", dist)
		return
	}

	fileServer := http.FileServer(http.Dir(dist))
	router.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		candidate := filepath.Join(dist, filepath.Clean("/"+r.URL.Path))
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dist, "index.html"))
	}))
}
