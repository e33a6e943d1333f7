package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"petfeeder/internal/actuator"
	"petfeeder/internal/dispatch"
	"petfeeder/internal/feeding"
	"petfeeder/internal/metrics"
	logx "petfeeder/pkg/logx"
)

const maxBodyBytes = 1 << 16

// Feeder is the dispatch surface the API drives.
type Feeder interface {
	RunTick(ctx context.Context, owner string) (dispatch.TickReport, error)
	DispatchManual(ctx context.Context, owner string, portion float64) (feeding.DispatchEvent, error)
}

type Deps struct {
	Feeder  Feeder
	Devices actuator.Resolver
	// Metrics is optional; without it /metrics is not mounted.
	Metrics *metrics.Metrics
	// Status feeds GET /v1/engine.
	Status func() any
	// Health returns nil when the daemon is healthy.
	Health      func() error
	TickTimeout time.Duration
}

// Router builds the HTTP handler for cfg. It is exported for tests and for
// embedding the API elsewhere.
func (s *Service) Router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.recoverer)
	r.Use(s.recordMetrics)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/engine", s.handleEngine)
		r.Route("/owners/{owner}", func(r chi.Router) {
			r.With(maxBytes(maxBodyBytes)).Post("/feed", s.handleFeed)
			r.Post("/tick", s.handleTick)
			r.Get("/food-level", s.handleFoodLevel)
		})
	})
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleEngine(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		jsonError(w, "status not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

type feedRequest struct {
	Portion *float64 `json:"portion"`
}

func (s *Service) handleFeed(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	if owner == "" {
		jsonError(w, "owner is required", http.StatusBadRequest)
		return
	}
	var req feedRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Portion == nil {
		jsonError(w, "portion is required", http.StatusBadRequest)
		return
	}

	ev, err := s.deps.Feeder.DispatchManual(r.Context(), owner, *req.Portion)
	if ev.ID == "" {
		// Nothing was attempted.
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	resp := newEventJSON(ev)
	if err != nil {
		resp.Recorded = !errors.Is(err, feeding.ErrStoreUnavailable)
		writeJSON(w, statusFor(err), resp)
		return
	}
	resp.Recorded = true
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleTick(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	timeout := s.deps.TickTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	rep, err := s.deps.Feeder.RunTick(ctx, owner)
	resp := newTickJSON(rep)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleFoodLevel(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	client, err := s.deps.Devices.For(owner)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	level, err := client.FoodLevel(r.Context())
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "food_level": level})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, feeding.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, feeding.ErrTickInFlight):
		return http.StatusConflict
	case errors.Is(err, feeding.ErrInvalidPortion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, feeding.ErrActuatorUnreachable):
		return http.StatusGatewayTimeout
	case errors.Is(err, feeding.ErrActuatorRejected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type eventJSON struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	ScheduleID *string   `json:"schedule_id"`
	Portion    float64   `json:"portion"`
	OccurredAt time.Time `json:"occurred_at"`
	Outcome    string    `json:"outcome"`
	Trigger    string    `json:"trigger"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	PetName    string    `json:"pet_name,omitempty"`
	PetType    string    `json:"pet_type,omitempty"`
	Recorded   bool      `json:"recorded"`
}

func newEventJSON(ev feeding.DispatchEvent) eventJSON {
	return eventJSON{
		ID:         ev.ID,
		Owner:      ev.OwnerID,
		ScheduleID: ev.ScheduleID,
		Portion:    ev.Portion,
		OccurredAt: ev.OccurredAt,
		Outcome:    string(ev.Outcome),
		Trigger:    string(ev.TriggerKind),
		LatencyMs:  ev.Latency.Milliseconds(),
		Error:      ev.Error,
		PetName:    ev.PetName,
		PetType:    ev.PetType,
	}
}

type resultJSON struct {
	ScheduleID string  `json:"schedule_id"`
	TimeOfDay  string  `json:"time_of_day"`
	Portion    float64 `json:"portion"`
	State      string  `json:"state"`
	LatencyMs  int64   `json:"latency_ms,omitempty"`
	EventID    string  `json:"event_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type tickJSON struct {
	Owner      string       `json:"owner"`
	Now        time.Time    `json:"now"`
	DurationMs int64        `json:"duration_ms"`
	Due        int          `json:"due"`
	Results    []resultJSON `json:"results"`
	Error      string       `json:"error,omitempty"`
}

func newTickJSON(rep dispatch.TickReport) tickJSON {
	out := tickJSON{
		Owner:      rep.Owner,
		Now:        rep.Now,
		DurationMs: rep.Duration.Milliseconds(),
		Due:        rep.Due(),
		Results:    make([]resultJSON, 0, len(rep.Results)),
	}
	for _, res := range rep.Results {
		rj := resultJSON{
			ScheduleID: res.ScheduleID,
			TimeOfDay:  res.TimeOfDay.String(),
			Portion:    res.Portion,
			State:      res.State.String(),
			LatencyMs:  res.Latency.Milliseconds(),
			EventID:    res.EventID,
		}
		if res.Err != nil {
			rj.Error = res.Err.Error()
		}
		out.Results = append(out.Results, rj)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic recovered",
					logx.String("request_id", chimw.GetReqID(r.Context())),
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
				jsonError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Service) recordMetrics(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" {
			return
		}
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.RecordRequest(r.Method, path, status, time.Since(start))
	})
}

func maxBytes(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either Authorization: Bearer <token> or ?token=<token>.
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	jsonError(w, "unauthorized", http.StatusUnauthorized)
}
