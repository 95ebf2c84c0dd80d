package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"offerflow/auth"
	"offerflow/offer"
	"offerflow/profile"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
	Lock(ctx context.Context, userID string) error
	Unlock(ctx context.Context, userID string) error
}

type offerEngine interface {
	CreateOffer(ctx context.Context, caller offer.Caller, req offer.CreateRequest) offer.Result[offer.State]
	Negotiate(ctx context.Context, caller offer.Caller, req offer.NegotiateRequest) offer.Result[offer.NegotiationOutcome]
	BulkModifyAndAccept(ctx context.Context, caller offer.Caller, req offer.BulkModifyRequest) offer.Result[offer.BulkOutcome]
	GetOffer(ctx context.Context, caller offer.Caller, offerRef string) offer.Result[offer.OfferView]
}

type profileService interface {
	Create(ctx context.Context, userID, companyName string) (profile.Profile, error)
	Get(ctx context.Context, callerID string, admin bool, id string) (profile.Profile, error)
	ListMine(ctx context.Context, userID string) ([]profile.Profile, error)
	SetVerification(ctx context.Context, id string, status profile.Status) error
}

// Server is the thin JSON-over-HTTP surface in front of the engines.
type Server struct {
	authService    authService
	offerService   offerEngine
	profileService profileService
	metrics        http.Handler
	logger         *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("POST /api/offers", s.requireAuth(http.HandlerFunc(s.handleCreateOffer)))
	mux.Handle("GET /api/offers/{id}", s.requireAuth(http.HandlerFunc(s.handleGetOffer)))
	mux.Handle("POST /api/offers/{id}/actions", s.requireAuth(http.HandlerFunc(s.handleOfferAction)))
	mux.Handle("POST /api/offers/{id}/bulk-accept", s.requireAuth(http.HandlerFunc(s.handleBulkAccept)))

	mux.Handle("GET /api/profiles", s.requireAuth(http.HandlerFunc(s.handleListProfiles)))
	mux.Handle("POST /api/profiles", s.requireAuth(http.HandlerFunc(s.handleCreateProfile)))
	mux.Handle("GET /api/profiles/{id}", s.requireAuth(http.HandlerFunc(s.handleGetProfile)))
	mux.Handle("PATCH /api/profiles/{id}/verification", s.requireAuth(s.requireRole(auth.RoleAdmin, http.HandlerFunc(s.handleVerifyProfile))))

	mux.Handle("POST /api/admin/users/{id}/lock", s.requireAuth(s.requireRole(auth.RoleAdmin, http.HandlerFunc(s.handleLock(true)))))
	mux.Handle("POST /api/admin/users/{id}/unlock", s.requireAuth(s.requireRole(auth.RoleAdmin, http.HandlerFunc(s.handleLock(false)))))

	return s.accessLog(mux)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(role auth.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if roleFrom(r.Context()) != role {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func roleFrom(ctx context.Context) auth.Role {
	v, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return v
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Role == auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin accounts cannot self-register")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role})
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log().Error("register failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type userResponse struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     auth.Role `json:"role"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      userResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, loginResponse{
			Token:     res.Token,
			ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
			User:      userResponse{ID: res.User.ID, Email: res.User.Email, FullName: res.User.FullName, Role: res.User.Role},
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "account is locked")
	default:
		s.log().Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) caller(r *http.Request) offer.Caller {
	return offer.Caller{UserID: userIDFrom(r.Context())}
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req offer.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	res := s.offerService.CreateOffer(r.Context(), s.caller(r), req)
	writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	res := s.offerService.GetOffer(r.Context(), s.caller(r), r.PathValue("id"))
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleOfferAction(w http.ResponseWriter, r *http.Request) {
	var req offer.NegotiateRequest
	if !decode(w, r, &req) {
		return
	}
	req.OfferID = r.PathValue("id")
	res := s.offerService.Negotiate(r.Context(), s.caller(r), req)
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleBulkAccept(w http.ResponseWriter, r *http.Request) {
	var req offer.BulkModifyRequest
	if !decode(w, r, &req) {
		return
	}
	req.OfferID = r.PathValue("id")
	res := s.offerService.BulkModifyAndAccept(r.Context(), s.caller(r), req)
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profileService.ListMine(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.profileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": profiles, "total": len(profiles)})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != auth.RoleBuyer {
		writeError(w, http.StatusForbidden, "only buyers hold buyer profiles")
		return
	}
	var body struct {
		CompanyName string `json:"company_name"`
	}
	if !decode(w, r, &body) {
		return
	}
	p, err := s.profileService.Create(r.Context(), userIDFrom(r.Context()), body.CompanyName)
	if err != nil {
		s.profileError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profileService.Get(r.Context(), userIDFrom(r.Context()), roleFrom(r.Context()) == auth.RoleAdmin, r.PathValue("id"))
	if err != nil {
		s.profileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVerifyProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status profile.Status `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.profileService.SetVerification(r.Context(), r.PathValue("id"), body.Status); err != nil {
		s.profileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) profileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, profile.ErrForbidden):
		writeError(w, http.StatusNotFound, "profile not found")
	case errors.Is(err, profile.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log().Error("profile request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := s.authService.Unlock
		if locked {
			op = s.authService.Lock
		}
		err := op(r.Context(), r.PathValue("id"))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, auth.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			s.log().Error("lock change failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

// statusFor maps an engine error class onto an HTTP status.
func statusFor(c offer.Class) int {
	switch c {
	case offer.ClassValidation:
		return http.StatusBadRequest
	case offer.ClassAuthorization:
		return http.StatusForbidden
	case offer.ClassStateConflict, offer.ClassConcurrency:
		return http.StatusConflict
	case offer.ClassResource:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeResult[T any](w http.ResponseWriter, okStatus int, res offer.Result[T]) {
	status := okStatus
	if !res.Success && res.Error != nil {
		status = statusFor(res.Error.Code.Class())
	}
	writeJSON(w, status, res)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
