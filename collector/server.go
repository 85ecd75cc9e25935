package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// maxBodySize bounds a posted batch.
const maxBodySize = 64 << 10

// Server handles HTTP requests from nodes and readers.
type Server struct {
	Logger  *slog.Logger
	Store   Store
	Config  Config
	Watcher *Watcher
	// Now defaults to time.Now.
	Now func() time.Time

	once   sync.Once
	router http.Handler
	// mu guards Config once serving, it changes through POST /config/{key}.
	mu sync.RWMutex
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { s.router = s.routes() })
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/config", s.handleConfig)
	r.Post("/config/{key}", s.handleUpdateConfig)
	r.Get("/postMeasurementFallback", s.handleFallback)
	r.Post("/measurement", s.handlePost)
	r.Get("/measurement", s.handleList)
	return r
}

type requestIDKey struct{}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.Logger.Info("Request handled",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.Logger.With("request_id", id)
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Config
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// sendJSON writes a success response. "now" always comes first: nodes read
// it without a JSON decoder.
func (s *Server) sendJSON(w http.ResponseWriter, now time.Time, fields ...field) {
	var b strings.Builder
	fmt.Fprintf(&b, `{"now":%d`, now.Unix())
	for _, f := range fields {
		key, _ := json.Marshal(f.key)
		value, err := json.Marshal(f.value)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(&b, ",%s:%s", key, value)
	}
	b.WriteString("}")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

type field struct {
	key   string
	value any
}

// token returns the credential of r, from the query or a bearer header.
func token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}

func (s *Server) authorize(r *http.Request, want string) error {
	if want == "" || token(r) != want {
		return ErrUnauthorized
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.now())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	config := s.config()
	if err := s.authorize(r, config.WriteToken); err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	s.sendJSON(w, s.now(),
		field{"sensorHeightMM", config.SensorHeightMM},
		field{"measurementIntervalS", int64(config.MeasurementInterval / time.Second)},
	)
}

// handleUpdateConfig changes one setting of the running collector. Tokens
// can only be changed through the configuration file.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, s.config().ReadToken); err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	key := chi.URLParam(r, "key")
	var body struct {
		Value *int64 `json:"value"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		s.sendError(w, fmt.Sprintf("invalid JSON: %s", err), http.StatusBadRequest)
		return
	}
	if body.Value == nil {
		s.sendError(w, "missing value", http.StatusBadRequest)
		return
	}
	value := *body.Value

	s.mu.Lock()
	err := s.Config.set(key, value)
	s.mu.Unlock()
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownSetting) {
			status = http.StatusNotFound
		}
		s.sendError(w, err.Error(), status)
		return
	}

	s.logger(r).Info("Configuration updated", "key", key, "value", value)
	s.sendJSON(w, s.now(), field{"key", key}, field{"value", value})
}

// handleFallback stores one measurement encoded in the query, dated now.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	config := s.config()
	if err := s.authorize(r, config.WriteToken); err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	distance, err := parseOptionalFloat("distanceMM", q.Get("distanceMM"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	battery, err := parseOptionalFloat("batteryVoltage", q.Get("batteryVoltage"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now()
	rec, err := config.recordAt(now.Unix(), distance, battery)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store(w, r, now, []Record{rec})
}

// handlePost stores a JSON array of measurements or a single one.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	config := s.config()
	if err := s.authorize(r, config.WriteToken); err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	inputs, err := decodeMeasurements(body)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now()
	records := make([]Record, 0, len(inputs))
	for i, in := range inputs {
		rec, err := config.record(in, now)
		if err != nil {
			s.sendError(w, fmt.Sprintf("measurement %d: %s", i, err), http.StatusBadRequest)
			return
		}
		records = append(records, rec)
	}
	s.store(w, r, now, records)
}

func decodeMeasurements(body []byte) ([]measurementInput, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var ins []measurementInput
		if err := json.Unmarshal(body, &ins); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if len(ins) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ErrInvalid)
		}
		return ins, nil
	}
	var in measurementInput
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return []measurementInput{in}, nil
}

func (s *Server) store(w http.ResponseWriter, r *http.Request, now time.Time, records []Record) {
	logger := s.logger(r)
	if err := s.Store.Put(r.Context(), records); err != nil {
		logger.Error("Failed to store measurements", "error", err, "count", len(records))
		s.sendError(w, "could not store measurements", http.StatusInternalServerError)
		return
	}
	logger.Info("Measurements stored", "count", len(records))

	if s.Watcher != nil {
		latest := records[0]
		for _, rec := range records[1:] {
			if rec.TimeS > latest.TimeS {
				latest = rec
			}
		}
		s.Watcher.Observe(context.WithoutCancel(r.Context()), latest, now)
	}
	s.sendJSON(w, now, field{"stored", len(records)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, s.config().ReadToken); err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	records, err := s.Store.List(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger(r).Error("Failed to list measurements", "error", err)
		s.sendError(w, "could not list measurements", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []Record{}
	}
	s.sendJSON(w, s.now(), field{"measurements", records})
}
