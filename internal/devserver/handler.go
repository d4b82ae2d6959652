package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examclient/internal/model"
)

// Handler serves the platform REST API.
type Handler struct {
	store    *Store
	tokens   *Tokens
	config   Config
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(s *Store, tokens *Tokens, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, tokens: tokens, config: cfg, validate: validator.New(), logger: logger}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/register", h.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/auth/me", h.handleMe)
		r.Get("/test-papers/", h.handleListPapers)
		r.Get("/test-papers/{paperID}", h.handleGetPaper)
		r.Get("/questions", h.handleQuestions)
		r.Post("/results/submit", h.handleSubmit)
		r.Get("/results/my-results", h.handleMyResults)

		r.With(requireRole(model.RoleAdmin)).Post("/auth/admin/register", h.handleAdminRegister)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	email := r.FormValue("username")
	password := r.FormValue("password")
	if email == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.store.UserByEmail(r.Context(), email)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Info("login", "email", user.Email, "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(h.tokens.ttl.Seconds()),
	})
}

type registerRequest struct {
	Email       string     `json:"email" validate:"required,email"`
	Password    string     `json:"password" validate:"required,min=6"`
	FullName    string     `json:"full_name" validate:"required"`
	PhoneNumber string     `json:"phone_number"`
	DateOfBirth string     `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Role        model.Role `json:"role" validate:"omitempty,oneof=USER ADMIN"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, model.RoleUser)
}

func (h *Handler) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, model.RoleAdmin)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, role model.Role) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u := User{
		Identity: model.Identity{
			Email:       req.Email,
			Role:        role,
			FullName:    req.FullName,
			PhoneNumber: req.PhoneNumber,
			DateOfBirth: req.DateOfBirth,
		},
		PasswordHash: string(hash),
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u.ID = id
	h.logger.Info("registered user", "email", u.Email, "role", role)
	writeJSON(w, http.StatusCreated, u.Identity)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.IdentityFromContext(r.Context()))
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.store.Papers(r.Context())
	if err != nil {
		slog.Error("failed to list test papers", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "paperID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid test paper ID")
		return
	}
	p, err := h.store.Paper(r.Context(), id)
	if err != nil {
		slog.Error("failed to get test paper", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Test paper not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.URL.Query().Get("test_paper_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid test_paper_id")
		return
	}
	p, err := h.store.Paper(r.Context(), id)
	if err != nil {
		slog.Error("failed to get test paper", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Test paper not found")
		return
	}
	questions, err := h.store.Questions(r.Context(), id)
	if err != nil {
		slog.Error("failed to list questions", "test_paper_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if h.config.QuestionsEnvelope != "" {
		writeJSON(w, http.StatusOK, map[string]any{h.config.QuestionsEnvelope: questions})
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller := model.IdentityFromContext(r.Context())
	var res model.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(res); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if res.UserID != caller.ID {
		writeError(w, http.StatusForbidden, "Cannot submit results for another user")
		return
	}
	p, err := h.store.Paper(r.Context(), res.TestPaperID)
	if err != nil {
		slog.Error("failed to get test paper", "id", res.TestPaperID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Test paper not found")
		return
	}

	rec, err := h.store.SaveResult(r.Context(), res)
	if err != nil {
		slog.Error("failed to save result", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	rec.TestPaperName = p.Name
	h.logger.Info("result submitted", "user_id", res.UserID, "test_paper_id", res.TestPaperID, "score", res.FinalScore)
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleMyResults(w http.ResponseWriter, r *http.Request) {
	caller := model.IdentityFromContext(r.Context())
	results, err := h.store.ResultsForUser(r.Context(), caller.ID)
	if err != nil {
		slog.Error("failed to list results", "user_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, results)
}
