package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/input-sentinel/internal/cache"
	"go.uber.org/zap"
)

// newReverseProxy builds the single upstream proxy shared by all requests
func (s *Server) newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host

		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "input-sentinel/"+Version)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.requestLogger(r).Error("Proxy error",
			zap.String("upstream", target.String()),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}

	proxy.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: s.config.Upstream.Timeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	return proxy
}

// handleProxy forwards a screened request upstream
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.upstream.ServeHTTP(w, r)

	s.requestLogger(r).Debug("Request proxied",
		zap.Duration("upstream_duration", time.Since(start)),
	)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type ruleInfo struct {
	Group       string `json:"group"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

type infoResponse struct {
	Name           string     `json:"name"`
	Version        string     `json:"version"`
	FilterEnabled  bool       `json:"filter_enabled"`
	Mode           string     `json:"mode"`
	NameMatch      string     `json:"name_match"`
	DenyPatterns   []string   `json:"deny_patterns"`
	AllowPatterns  []string   `json:"allow_patterns"`
	EscapeRules    []ruleInfo `json:"escape_rules"`
	ScreenFormBody bool       `json:"screen_form_body"`
	RateLimiting   bool       `json:"rate_limiting"`
	Offenders      bool       `json:"offender_tracking"`
	Audit          bool       `json:"audit"`
	Uptime         string     `json:"uptime"`
}

// handleInfo reports the active filter configuration
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	engine := s.engine.Load()
	cfg := s.filterCfg.Load()

	rules := engine.Rules()
	info := infoResponse{
		Name:           "input-sentinel",
		Version:        Version,
		FilterEnabled:  cfg.Enabled,
		Mode:           cfg.Mode,
		NameMatch:      string(engine.NameMatch()),
		DenyPatterns:   engine.DenyPatterns(),
		AllowPatterns:  engine.AllowPatterns(),
		EscapeRules:    make([]ruleInfo, 0, len(rules)),
		ScreenFormBody: cfg.ScreenFormBody,
		RateLimiting:   s.limiter != nil,
		Offenders:      s.offenders != nil,
		Audit:          s.audit != nil,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
	}
	for _, rule := range rules {
		info.EscapeRules = append(info.EscapeRules, ruleInfo{
			Group:       string(rule.Group),
			Pattern:     rule.Source(),
			Replacement: rule.Replacement,
		})
	}

	writeJSON(w, http.StatusOK, info)
}

// handleGetOffender reports the rejection count of one client
func (s *Server) handleGetOffender(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.offenderIP(w, r)
	if !ok {
		return
	}

	count, err := s.offenders.Count(r.Context(), ip)
	if err != nil {
		s.logger.Error("Failed to read offender", zap.String("client_ip", ip), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offender store unavailable"})
		return
	}

	banned, err := s.offenders.IsBanned(r.Context(), ip)
	if err != nil {
		s.logger.Error("Failed to read offender", zap.String("client_ip", ip), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offender store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_ip": ip,
		"count":     count,
		"banned":    banned,
	})
}

// handleForgiveOffender clears the rejection count of one client
func (s *Server) handleForgiveOffender(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.offenderIP(w, r)
	if !ok {
		return
	}

	if err := s.offenders.Forgive(r.Context(), ip); err != nil {
		s.logger.Error("Failed to clear offender", zap.String("client_ip", ip), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offender store unavailable"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// offenderAdmin is implemented by trackers that can report on and reset
// every tracked client.
type offenderAdmin interface {
	GetStats(ctx context.Context) (*cache.OffenderStats, error)
	Clear(ctx context.Context) error
}

// handleOffenderStats reports tracker statistics
func (s *Server) handleOffenderStats(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.offenders.(offenderAdmin)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "offender tracking disabled"})
		return
	}

	stats, err := admin.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read offender stats", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offender store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleClearOffenders forgets every tracked client
func (s *Server) handleClearOffenders(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.offenders.(offenderAdmin)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "offender tracking disabled"})
		return
	}

	if err := admin.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear offenders", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "offender store unavailable"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) offenderIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.offenders == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "offender tracking disabled"})
		return "", false
	}

	ip := mux.Vars(r)["ip"]
	if net.ParseIP(ip) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid IP address"})
		return "", false
	}
	return ip, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
