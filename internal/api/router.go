package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"signgate/internal/config"
	"signgate/internal/errs"
	"signgate/internal/logging"
	"signgate/internal/middleware"
	"signgate/internal/rate"
	"signgate/internal/service"
	"signgate/internal/util"
	"signgate/internal/version"
)

const maxSessionBodyBytes = 64 << 10

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
	log     *zap.Logger
}

// Webhooks are the provider-facing handlers mounted under /webhooks.
type Webhooks struct {
	Identity http.Handler
	Signing  http.Handler
}

func NewRouter(cfg config.Config, svc *service.Service, hooks Webhooks, log *zap.Logger) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(),
		log:     logging.OrNop(log).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(log, cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{"checked_at": time.Now().UTC().Format(time.RFC3339)}
		if err := h.svc.Ready(r.Context()); err != nil {
			ready["status"] = "degraded"
			ready["database"] = map[string]any{"ok": false, "error": err.Error()}
			util.WriteJSON(w, 503, ready)
			return
		}
		ready["status"] = "ready"
		ready["database"] = map[string]any{"ok": true}
		util.WriteJSON(w, 200, ready)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(h.limiter, "webhook", 600, time.Minute, cfg.TrustProxy))
		if hooks.Identity != nil {
			r.Method(http.MethodPost, "/identity", hooks.Identity)
		}
		if hooks.Signing != nil {
			r.Method(http.MethodPost, "/signing", hooks.Signing)
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "session", 120, time.Minute, cfg.TrustProxy)).Post("/session", h.Session)

		if cfg.AdminAPIKey != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RateLimit(h.limiter, "admin", 60, time.Minute, cfg.TrustProxy))
				r.Use(middleware.AdminKey(cfg.AdminAPIKey))
				r.Post("/documents", h.AdminCreateDocument)
				r.Get("/documents/{id}", h.AdminGetDocument)
				r.Post("/documents/{id}/cancel", h.AdminCancelDocument)
				r.Get("/documents/{id}/audit", h.AdminAuditTrail)
			})
		}
	})

	return r
}

// writeErr maps service errors onto the JSON error envelope.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	status := errs.HTTPStatus(err)
	if e, ok := errs.As(err); ok {
		if e.Kind == errs.KindUpstream {
			h.log.Error("upstream failure", middleware.RequestIDField(r.Context()), zap.Error(err))
		}
		msg := e.Message
		if msg == "" {
			msg = e.Reason
		}
		util.WriteError(w, status, e.Reason, msg, rid)
		return
	}
	h.log.Error("request failed", middleware.RequestIDField(r.Context()), zap.String("path", r.URL.Path), zap.Error(err))
	util.WriteError(w, status, "internal_error", "internal error", rid)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.Validation(errs.ReasonInvalidField, "request body too large")
		}
		return errs.Validation(errs.ReasonInvalidField, "invalid json")
	}
	return nil
}

// Session runs one signer session action.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	var req service.SessionRequest
	if err := decodeJSON(w, r, maxSessionBodyBytes, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	out, err := h.svc.Handle(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) AdminCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDocumentRequest
	if err := decodeJSON(w, r, 1<<20, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	out, err := h.svc.CreateDocument(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, out)
}

func (h *Handlers) AdminGetDocument(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) AdminCancelDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.CancelDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handlers) AdminAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
