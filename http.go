package trialscope

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// maxBodySize is the maximum allowed request body size (10MB)
	maxBodySize = 10 * 1024 * 1024
)

type httpServer struct {
	srv *http.Server
}

func (s *httpServer) shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// rateLimiter implements a simple token bucket rate limiter per IP
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	cleanup  time.Duration // cleanup interval
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the given rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  window * 2,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, v := range rl.visitors {
			if now.Sub(v.lastReset) > rl.cleanup {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(v.lastReset) >= rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = now
		return true
	}

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimitMiddleware wraps a handler with rate limiting
func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// extractAPIKey extracts the API key from the request
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	return r.URL.Query().Get("api_key")
}

// authMiddleware wraps a handler with API key authentication. An empty key
// set disables authentication. The health endpoint is always open.
func authMiddleware(keys []string, next http.HandlerFunc) http.HandlerFunc {
	if len(keys) == 0 {
		return next
	}
	valid := make(map[string]bool, len(keys))
	for _, k := range keys {
		valid[k] = true
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !valid[key] {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type ingestRequest struct {
	Observations []Observation `json:"observations"`
}

// RegisterHTTPHandlers registers the engine's API endpoints on a mux.
func (e *Engine) RegisterHTTPHandlers(mux *http.ServeMux) {
	rateLimit := e.config.HTTP.RateLimitPerSecond
	var rl *rateLimiter
	if rateLimit > 0 {
		rl = newRateLimiter(rateLimit, time.Second)
	}

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		h = authMiddleware(e.config.HTTP.APIKeys, h)
		if rl != nil {
			h = rateLimitMiddleware(rl, h)
		}
		return h
	}

	mux.HandleFunc("/api/v1/sites", wrap(e.handleSites))
	mux.HandleFunc("/api/v1/observations", wrap(e.handleObservations))
	mux.HandleFunc("/api/v1/studies", wrap(e.handleStudies))
	mux.HandleFunc("/api/v1/scores", wrap(e.handleScores))
	mux.HandleFunc("/api/v1/rootcauses", wrap(e.handleRootCauses))
	mux.HandleFunc("/api/v1/rollups", wrap(e.handleRollups))
	mux.HandleFunc("/api/v1/variance", wrap(e.handleVariance))
	mux.HandleFunc("/api/v1/report", wrap(e.handleReport))
	mux.HandleFunc("/api/v1/recompute", wrap(e.handleRecompute))
	mux.HandleFunc("/api/v1/policy", wrap(e.handlePolicy))
	mux.HandleFunc("/api/v1/snapshot", wrap(e.handleSnapshot))
	mux.HandleFunc("/api/v1/prometheus/write", wrap(e.handleRemoteWrite))
	mux.HandleFunc("/api/v1/stream", wrap(e.hub.ServeWS))
	mux.HandleFunc("/stats", wrap(e.handleStats))
	mux.HandleFunc("/health", wrap(e.handleHealth))
}

func (e *Engine) startHTTP() error {
	port := e.config.HTTP.Port
	if port <= 0 || port > 65535 {
		port = 8830
	}

	mux := http.NewServeMux()
	e.RegisterHTTPHandlers(mux)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		_ = srv.Serve(listener)
	}()

	e.httpSrv = &httpServer{srv: srv}
	return nil
}

func (e *Engine) handleSites(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var site Site
		if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		if err := e.RegisterSite(r.Context(), site); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
	case http.MethodGet:
		studyID := r.URL.Query().Get("study")
		if studyID == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
			return
		}
		writeJSON(w, http.StatusOK, e.store.SitesForStudy(studyID))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (e *Engine) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := e.IngestBatch(r.Context(), req.Observations); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"ingested": len(req.Observations)})
}

func (e *Engine) handleStudies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, e.Studies())
}

func (e *Engine) handleScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if subject := q.Get("subject"); subject != "" {
		score, err := e.SubjectScore(q.Get("site"), subject)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err)
			return
		}
		score.CountsByName = countsByName(score.Counts)
		writeJSON(w, http.StatusOK, score)
		return
	}
	studyID := q.Get("study")
	if studyID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
		return
	}
	scores, err := e.SiteScores(studyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	for i := range scores {
		scores[i].CountsByName = countsByName(scores[i].Counts)
	}
	writeJSON(w, http.StatusOK, scores)
}

func (e *Engine) handleRootCauses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	studyID := r.URL.Query().Get("study")
	if studyID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
		return
	}
	findings, err := e.RootCauses(studyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (e *Engine) handleRollups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	studyID := r.URL.Query().Get("study")
	if studyID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
		return
	}
	rollups, err := e.Rollups(studyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (e *Engine) handleVariance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	studyID := r.URL.Query().Get("study")
	if studyID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
		return
	}
	variance, err := e.Variance(studyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, variance)
}

func (e *Engine) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	studyID := q.Get("study")
	if studyID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("study parameter is required"))
		return
	}
	includeSubjects := q.Get("subjects") == "true"
	bundle, err := e.BuildReport(r.Context(), studyID, includeSubjects)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (e *Engine) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := e.Recompute(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recomputed"})
}

func (e *Engine) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := ParsePolicy(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := e.ApplyPolicy(doc); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "policy": doc.Metadata.Name})
}

func (e *Engine) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := e.ExportSnapshot(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		if err := e.ImportSnapshot(r.Context(), data); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, e.Stats())
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
