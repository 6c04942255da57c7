package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/raaihank/input-sentinel/internal/filter"
	"github.com/raaihank/input-sentinel/internal/logger"
	"github.com/raaihank/input-sentinel/internal/websocket"
	"go.uber.org/zap"
)

type contextKey string

const requestIDKey contextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// loggingMiddleware assigns a request ID and logs HTTP requests and responses
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		r.Header.Set(requestIDHeader, requestID)
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		log := s.logger.WithRequestID(requestID)

		log.Debug("HTTP request started",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		log.Info("HTTP request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", rw.statusCode),
			zap.Duration("duration", duration),
			zap.Int("response_size", rw.size),
		)

		s.wsHub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeRequestLog,
			Timestamp: time.Now(),
			RequestID: requestID,
			Data: websocket.RequestLogEvent{
				RequestID:    requestID,
				Method:       r.Method,
				Path:         r.URL.Path,
				StatusCode:   rw.statusCode,
				ClientIP:     s.clientIP(r),
				UserAgent:    r.UserAgent(),
				Duration:     duration,
				RequestSize:  r.ContentLength,
				ResponseSize: int64(rw.size),
			},
		})
	})
}

// rateLimitMiddleware refuses clients that exceed their request budget
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.clientIP(r)
		if !s.limiter.Allow(clientIP) {
			s.metrics.RecordRateLimited()
			s.requestLogger(r).Warn("Rate limit exceeded", zap.String("client_ip", clientIP))
			w.Header().Set("Retry-After", "60")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// banMiddleware refuses clients that sent too much bad input recently
func (s *Server) banMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.offenders == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.clientIP(r)
		banned, err := s.offenders.IsBanned(r.Context(), clientIP)
		if err != nil {
			// Fail open when offender storage is unavailable.
			s.requestLogger(r).Warn("Offender check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if banned {
			s.metrics.RecordBanned()
			s.requestLogger(r).Warn("Request from banned client refused", zap.String("client_ip", clientIP))
			s.recordAudit(r, &audit.Event{Kind: audit.KindBanned})
			w.WriteHeader(http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type parameterSource struct {
	name  string
	store filter.ParameterStore
}

// filterMiddleware screens query and form parameters and escapes the ones
// that pass before the request is forwarded
func (s *Server) filterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.filterCfg.Load()
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		engine := s.engine.Load()
		log := s.requestLogger(r)
		blocking := cfg.Mode != config.ModeLog
		start := time.Now()

		sources := []parameterSource{{name: sourceQuery, store: &queryStore{r: r}}}

		if cfg.ScreenFormBody && isFormRequest(r) {
			store, err := newFormStore(r, cfg.MaxBodyBytes)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					log.Warn("Form body exceeds limit", zap.Int64("limit", tooLarge.Limit))
					s.metrics.RecordDecision("invalid", time.Since(start))
					http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
					return
				}
				log.Error("Failed to read request body", zap.Error(err))
				http.Error(w, "Failed to read request", http.StatusBadRequest)
				return
			}
			sources = append(sources, parameterSource{name: sourceForm, store: store})
		}

		decision := filter.Admit.String()

		for _, src := range sources {
			verdict, subs, err := engine.Apply(src.store)

			var hostErr *filter.HostIntegrationError
			switch {
			case errors.As(err, &hostErr):
				s.metrics.RecordHostError()
				log.Warn("Parameters could not be rewritten, forwarding unfiltered",
					zap.String("source", src.name),
					zap.Error(err),
				)
				s.recordAudit(r, &audit.Event{Kind: audit.KindHostError, Source: src.name, Original: err.Error()})
				s.reportSubstitutions(r, src.name, subs, false)
				continue

			case err != nil:
				log.Warn("Malformed request parameters", zap.String("source", src.name), zap.Error(err))
				if blocking {
					s.metrics.RecordDecision("invalid", time.Since(start))
					http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
					return
				}
				continue
			}

			if verdict.Rejected() {
				s.reportRejection(r, src.name, verdict, cfg.Mode, blocking)
				if blocking {
					s.metrics.RecordDecision(filter.Reject.String(), time.Since(start))
					w.WriteHeader(http.StatusForbidden)
					return
				}
				decision = "logged"
				break
			}

			s.reportSubstitutions(r, src.name, subs, true)
		}

		s.metrics.RecordDecision(decision, time.Since(start))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) reportRejection(r *http.Request, source string, verdict filter.Verdict, mode string, blocked bool) {
	requestID := getRequestID(r.Context())
	clientIP := s.clientIP(r)

	s.requestLogger(r).LogRejection(source, verdict.Parameter, verdict.Candidate, clientIP)
	s.metrics.RecordRejection(source, string(verdict.Field))

	var count int64
	if s.offenders != nil {
		var err error
		count, err = s.offenders.Record(r.Context(), clientIP)
		if err != nil {
			s.requestLogger(r).Warn("Failed to record offender", zap.Error(err))
		}
	}

	s.recordAudit(r, &audit.Event{
		Kind:      audit.KindRejection,
		Source:    source,
		Parameter: verdict.Parameter,
		Field:     string(verdict.Field),
		Original:  verdict.Candidate,
		Mode:      mode,
	})

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeInputRejected,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.InputRejectedEvent{
			RequestID:     requestID,
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      clientIP,
			UserAgent:     r.UserAgent(),
			Source:        source,
			Parameter:     verdict.Parameter,
			Field:         string(verdict.Field),
			Candidate:     verdict.Candidate,
			Mode:          mode,
			Blocked:       blocked,
			OffenderCount: count,
		},
	})
}

func (s *Server) reportSubstitutions(r *http.Request, source string, subs []filter.Substitution, applied bool) {
	if len(subs) == 0 {
		return
	}

	requestID := getRequestID(r.Context())
	clientIP := s.clientIP(r)
	log := s.requestLogger(r)
	recordEscapes := s.config.Audit.RecordEscapes

	events := make([]websocket.Substitution, 0, len(subs))
	for _, sub := range subs {
		if applied {
			log.LogSubstitution(string(sub.Field), sub.Parameter, sub.Pattern, sub.Before, sub.After, clientIP)
			s.metrics.RecordSubstitution(string(sub.Group), string(sub.Field))
			if recordEscapes {
				s.recordAudit(r, &audit.Event{
					Kind:      audit.KindSubstitution,
					Source:    source,
					Parameter: sub.Parameter,
					Field:     string(sub.Field),
					Pattern:   sub.Pattern,
					Original:  sub.Before,
					Rewritten: sub.After,
					Mode:      s.filterCfg.Load().Mode,
				})
			}
		}
		events = append(events, websocket.Substitution{
			Group:     string(sub.Group),
			Pattern:   sub.Pattern,
			Parameter: sub.Parameter,
			Field:     string(sub.Field),
			Before:    sub.Before,
			After:     sub.After,
		})
	}

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeParameterEscaped,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.ParameterEscapedEvent{
			RequestID:     requestID,
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      clientIP,
			Source:        source,
			Substitutions: events,
			Applied:       applied,
		},
	})
}

// recordAudit fills in the request details and hands the event to the audit sink
func (s *Server) recordAudit(r *http.Request, event *audit.Event) {
	if s.audit == nil {
		return
	}

	event.RequestID = getRequestID(r.Context())
	event.ClientIP = s.clientIP(r)
	event.Method = r.Method
	event.Path = r.URL.Path
	if event.Mode == "" {
		event.Mode = s.filterCfg.Load().Mode
	}

	if !s.audit.Record(event) {
		s.metrics.RecordAuditDropped()
	}
}

func (s *Server) requestLogger(r *http.Request) *logger.Logger {
	return s.logger.WithRequestID(getRequestID(r.Context()))
}

// clientIP resolves the address offenders and rate limits are keyed on.
// Forwarding headers are only believed when the peer is a trusted proxy;
// X-Forwarded-For is then walked from the right, skipping trusted hops.
func (s *Server) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}

	if !s.isTrustedProxy(net.ParseIP(peer)) {
		return peer
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(header, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}

	if len(hops) > 0 {
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(hops[i])
			if ip == nil {
				break
			}
			client = ip.String()
			if !s.isTrustedProxy(ip) {
				break
			}
		}
		return client
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}

	return peer
}

func (s *Server) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range s.trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// requireCredentials guards operator endpoints with basic auth. Without
// configured credentials the endpoint is closed.
func (s *Server) requireCredentials(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if username == "" || password == "" {
			s.logger.Warn("Operator endpoint requested but no credentials are configured",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", s.clientIP(r)),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="input-sentinel"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture response data
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	wroteHead  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHead {
		rw.statusCode = code
		rw.wroteHead = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHead = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Flush lets streamed upstream responses through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// getRequestID extracts request ID from context
func getRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
