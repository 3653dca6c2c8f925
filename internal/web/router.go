package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/onebox-labs/onebox/internal/auth"
	"github.com/onebox-labs/onebox/internal/hub"
	"github.com/onebox-labs/onebox/internal/models"
	"github.com/onebox-labs/onebox/internal/ratelimit"
)

// SyncControl exposes the slice of the supervisor the HTTP surface uses.
type SyncControl interface {
	Count() int
	Start(key models.AccountKey) error
}

// AccountSeeder stores a credential for an account. Satisfied by the
// in-memory credential store.
type AccountSeeder interface {
	Seed(key models.AccountKey, cred models.Credential)
}

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	Hub        *hub.Hub
	Supervisor SyncControl
	Accounts   AccountSeeder
	Verifier   *auth.StaticVerifier
	Limiter    *ratelimit.Limiter
	AdminToken string
}

// NewRouter wires the sync core's HTTP surface into a Chi router: the
// WebSocket endpoint, a health probe and the admin broadcast path.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/ws", deps.Hub.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]any{
			"status":   "ok",
			"agents":   deps.Supervisor.Count(),
			"sessions": deps.Hub.SessionCount(),
		}
		if deps.Limiter != nil {
			body["upgradeDenials"] = deps.Limiter.Denied()
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Group(func(r chi.Router) {
		r.Use(adminAuth(deps.AdminToken))

		r.Post("/admin/broadcast", func(w http.ResponseWriter, req *http.Request) {
			var payload map[string]any
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
				return
			}
			deps.Hub.Broadcast(payload)
			writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
		})

		r.Post("/admin/test-message", func(w http.ResponseWriter, req *http.Request) {
			var in struct {
				UserID  string `json:"userId"`
				Payload any    `json:"payload"`
			}
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userId is required"})
				return
			}
			deps.Hub.TestMessage(in.UserID, in.Payload)
			writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
		})

		// Bootstrap surface for single-node deployments: seed an account
		// credential and start its agent.
		r.Post("/admin/accounts", func(w http.ResponseWriter, req *http.Request) {
			var in struct {
				UserID       string    `json:"userId"`
				Email        string    `json:"email"`
				AccessToken  string    `json:"accessToken"`
				RefreshToken string    `json:"refreshToken"`
				ExpiresAt    time.Time `json:"expiresAt"`
			}
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" || in.Email == "" || in.AccessToken == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userId, email and accessToken are required"})
				return
			}
			key := models.AccountKey{UserID: in.UserID, Email: in.Email}
			deps.Accounts.Seed(key, models.Credential{
				AccessToken:  in.AccessToken,
				RefreshToken: in.RefreshToken,
				ExpiresAt:    in.ExpiresAt,
			})
			if err := deps.Supervisor.Start(key); err != nil {
				writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"status": "started"})
		})

		// Mint a client bearer token for a user.
		r.Post("/admin/tokens", func(w http.ResponseWriter, req *http.Request) {
			if deps.Verifier == nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "token minting unavailable"})
				return
			}
			var in struct {
				UserID string `json:"userId"`
			}
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userId is required"})
				return
			}
			secret, err := auth.GenerateSecret()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate secret"})
				return
			}
			token, err := deps.Verifier.Register(in.UserID, secret)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"token": token})
		})
	})

	return r
}

// adminAuth guards administrative endpoints with a static bearer token.
// An empty configured token disables the admin surface entirely.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
