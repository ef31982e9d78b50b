package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
	"github.com/raine/gemini-image-analyzer/internal/imagestore"
	"github.com/raine/gemini-image-analyzer/internal/session"
)

// SessionCookieName is the cookie carrying the session id.
const SessionCookieName = "analyzer_session"

const maxAnalyzeBody = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	Sessions       *session.Manager
	Previews       *imagestore.PreviewRegistry
	MaxUploadBytes int64    // Defaults to imagestore.DefaultMaxImageSize
	CORSOrigins    []string // CORS is disabled when empty
	SecureCookie   bool
}

type server struct {
	sessions     *session.Manager
	previews     *imagestore.PreviewRegistry
	maxUpload    int64
	secureCookie bool
}

type sessionKey struct{}

// NewRouter builds the application router.
func NewRouter(opts Options) http.Handler {
	s := &server{
		sessions:     opts.Sessions,
		previews:     opts.Previews,
		maxUpload:    opts.MaxUploadBytes,
		secureCookie: opts.SecureCookie,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = imagestore.DefaultMaxImageSize
	}
	registerSessionGauge(s.sessions)

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Only selecting an image creates a session. Everything else sees the
	// idle view until then.
	r.Group(func(r chi.Router) {
		r.Use(s.lookupSession)
		r.Get("/", s.handleIndex)
		r.Get("/preview/{id}", s.handlePreview)
		r.Route("/api", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.With(s.withSession, inflightMiddleware).Post("/image", s.handleSelectImage)
			r.Delete("/image", s.handleClearImage)
			r.With(inflightMiddleware).Post("/analyze", s.handleAnalyze)
		})
	})

	return r
}

// lookupSession attaches the cookie's session, if it is still live.
func (s *server) lookupSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := s.sessions.Get(sessionID(r)); ok {
			r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess))
		}
		next.ServeHTTP(w, r)
	})
}

// withSession is like lookupSession but creates a session, and sets its
// cookie, when there is none.
func (s *server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, created := s.sessions.GetOrCreate(sessionID(r))
		if created {
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    sess.ID(),
				Path:     "/",
				HttpOnly: true,
				Secure:   s.secureCookie,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionID(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// sessionFrom returns the request's session, or nil when it has none.
func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return sess
}

// stateResponse is the JSON view of a session.
type stateResponse struct {
	analysis.State
	Image  *imageInfo `json:"image,omitempty"`
	Prompt string     `json:"prompt"`
}

type imageInfo struct {
	Name       string `json:"name"`
	MIMEType   string `json:"mimeType"`
	Size       int    `json:"size"`
	PreviewURL string `json:"previewUrl"`
}

func newStateResponse(sess *session.Session) stateResponse {
	if sess == nil {
		return stateResponse{State: analysis.Idle()}
	}
	resp := stateResponse{State: sess.State(), Prompt: sess.Prompt()}
	if img := sess.Image(); img != nil {
		resp.Image = &imageInfo{
			Name:       img.Name,
			MIMEType:   img.MIMEType,
			Size:       len(img.Data),
			PreviewURL: previewURL(img.Preview),
		}
	}
	return resp
}

func previewURL(id string) string {
	return "/preview/" + id
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStateResponse(sessionFrom(r)))
}

func (s *server) handleSelectImage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	// Allow some headroom for multipart framing around the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	file, header, err := r.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, imagestore.ErrTooLarge.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, "missing image file (form field 'image')")
		return
	}
	defer file.Close()

	data, err := imagestore.ReadUpload(file, s.maxUpload)
	if err != nil {
		if errors.Is(err, imagestore.ErrTooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = sess.SelectImage(imagestore.Upload{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Data:     data,
	})
	if err != nil {
		if errors.Is(err, imagestore.ErrNotImage) {
			writeJSONError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newStateResponse(sess))
}

func (s *server) handleClearImage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if sess != nil {
		sess.ClearImage()
	}
	writeJSON(w, http.StatusOK, newStateResponse(sess))
}

type analyzeRequest struct {
	Prompt string `json:"prompt"`
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAnalyzeBody)

	var req analyzeRequest
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.Prompt = r.FormValue("prompt")
	}

	sess := sessionFrom(r)
	if sess == nil {
		analysisRequestsTotal.WithLabelValues(analyzeOutcome(session.ErrNoImage)).Inc()
		writeSessionError(w, session.ErrNoImage)
		return
	}
	if err := sess.Analyze(req.Prompt); err != nil {
		analysisRequestsTotal.WithLabelValues(analyzeOutcome(err)).Inc()
		writeSessionError(w, err)
		return
	}
	analysisRequestsTotal.WithLabelValues("accepted").Inc()

	writeJSON(w, http.StatusAccepted, newStateResponse(sess))
}

func analyzeOutcome(err error) string {
	switch {
	case errors.Is(err, session.ErrNoImage):
		return "no_image"
	case errors.Is(err, session.ErrBusy):
		return "busy"
	default:
		return "error"
	}
}

// handlePreview serves the preview of the session's own selected image only.
func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := sessionFrom(r)
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	img := sess.Image()
	if img == nil || img.Preview != id {
		http.NotFound(w, r)
		return
	}
	mimeType, data, ok := s.previews.Lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.Write(data)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoImage), errors.Is(err, session.ErrBusy):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeJSONError(w, http.StatusGone, err.Error())
	default:
		log.Error().Err(err).Msg("session operation failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  status,
	})
}
