package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/snapnote/syncrelay/internal/pending"
)

const offlineQueuedMessage = "Your changes will be synchronized when you are back online"

// Header names that are connection-scoped and must not be forwarded or
// captured for replay.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type ServerOptions struct {
	// Upstream is the base URL of the remote notes backend.
	Upstream string

	HTTPClient *http.Client
	Store      pending.Store
	Cache      *ResponseCache

	// Bridge receives a pending-state broadcast whenever a change is queued.
	Bridge *Bridge

	Metrics *Metrics

	// APIPathFragments classify a request as a notes-API call when its path
	// contains any of them. Defaults to /notes and /rest/v1.
	APIPathFragments []string

	MaxBodyBytes int64
	Logger       pending.Logger
}

// Server is the interception layer: a reverse proxy between the notes client
// and the remote backend. Mutating notes-API calls that fail at the
// transport level are captured into the pending store and answered with a
// deferred-acceptance response instead of an error; reads fall back to the
// response cache.
type Server struct {
	upstream     *url.URL
	client       *http.Client
	store        pending.Store
	cache        *ResponseCache
	bridge       *Bridge
	metrics      *Metrics
	apiFragments []string
	maxBodyBytes int64
	logger       pending.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	upstream, err := url.Parse(strings.TrimSpace(opts.Upstream))
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute URL, got %q", opts.Upstream)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewResponseCache(0)
	}
	apiFragments := opts.APIPathFragments
	if len(apiFragments) == 0 {
		apiFragments = []string{"/notes", "/rest/v1"}
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{
		upstream:     upstream,
		client:       client,
		store:        opts.Store,
		cache:        cache,
		bridge:       opts.Bridge,
		metrics:      opts.Metrics,
		apiFragments: apiFragments,
		maxBodyBytes: maxBodyBytes,
		logger:       opts.Logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case isMutating(r.Method) && s.isAPIPath(r.URL.Path):
		s.handleMutatingAPI(w, r)
	case (r.Method == http.MethodGet || r.Method == http.MethodHead) && s.isAPIPath(r.URL.Path):
		s.handleReadAPI(w, r)
	default:
		s.handleStatic(w, r)
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (s *Server) isAPIPath(path string) bool {
	for _, fragment := range s.apiFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}

func (s *Server) upstreamURL(r *http.Request) *url.URL {
	target := *s.upstream
	target.Path = singleJoin(s.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	return &target
}

func singleJoin(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// handleMutatingAPI delivers first and queues only on transport failure. An
// HTTP error status from the upstream is a real answer and passes through
// untouched.
func (s *Server) handleMutatingAPI(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body exceeds configured limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	target := s.upstreamURL(r)
	resp, err := s.forward(r, target, body)
	if err != nil {
		s.queueAndAccept(w, r, target, body)
		return
	}
	s.copyResponse(w, resp)
}

func (s *Server) queueAndAccept(w http.ResponseWriter, r *http.Request, target *url.URL, body []byte) {
	change := pending.Change{
		URL:     target.String(),
		Method:  r.Method,
		Headers: captureHeaders(r.Header),
		Body:    string(body),
	}
	if !s.store.Append(change, nil) {
		// Store unavailable: the deferral cannot be honored, so the
		// transport failure surfaces as a plain upstream error.
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unreachable"})
		return
	}
	s.metrics.ObserveQueued()
	if s.bridge != nil {
		s.bridge.BroadcastPendingState(true)
	}
	s.logf("queued %s %s for later sync", r.Method, target)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"offline": true,
		"message": offlineQueuedMessage,
	})
}

// handleReadAPI is network-first: a fresh response refreshes the cache, a
// transport failure serves the most recent cached copy for the identical
// request.
func (s *Server) handleReadAPI(w http.ResponseWriter, r *http.Request) {
	target := s.upstreamURL(r)
	resp, err := s.forward(r, target, nil)
	if err != nil {
		cached, ok := s.cache.Get(r.Method, target.String())
		if !ok {
			s.metrics.ObserveCacheMiss()
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Offline and not cached"})
			return
		}
		s.metrics.ObserveCacheHit()
		s.serveCached(w, cached)
		return
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		s.cache.Put(r.Method, target.String(), CachedResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       resp.Body,
		})
	}
	s.copyResponse(w, resp)
}

// handleStatic is cache-first with network backfill. Only plain 200
// responses that actually came from the configured upstream are cached.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	target := s.upstreamURL(r)
	if r.Method == http.MethodGet {
		if cached, ok := s.cache.Get(r.Method, target.String()); ok {
			s.metrics.ObserveCacheHit()
			s.serveCached(w, cached)
			return
		}
	}
	var body []byte
	if isMutating(r.Method) {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
			return
		}
	}
	resp, err := s.forward(r, target, body)
	if err != nil {
		s.metrics.ObserveCacheMiss()
		http.Error(w, "Offline resource not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK && resp.FromUpstream {
		s.cache.Put(r.Method, target.String(), CachedResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       resp.Body,
		})
	}
	s.copyResponse(w, resp)
}

// forwardedResponse is a fully buffered upstream reply. FromUpstream is
// false when redirects carried the request off the configured origin.
type forwardedResponse struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	FromUpstream bool
}

func (s *Server) forward(r *http.Request, target *url.URL, body []byte) (*forwardedResponse, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Host = s.upstream.Host

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	fromUpstream := resp.Request == nil || resp.Request.URL == nil || resp.Request.URL.Host == s.upstream.Host
	return &forwardedResponse{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		Body:         respBody,
		FromUpstream: fromUpstream,
	}, nil
}

func (s *Server) copyResponse(w http.ResponseWriter, resp *forwardedResponse) {
	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) serveCached(w http.ResponseWriter, cached CachedResponse) {
	header := w.Header()
	for name, values := range cached.Header {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// captureHeaders flattens a header map into the ordered pair list persisted
// with a queued change.
func captureHeaders(src http.Header) [][2]string {
	captured := [][2]string{}
	for _, name := range sortedHeaderNames(src) {
		for _, value := range src[name] {
			captured = append(captured, [2]string{name, value})
		}
	}
	return captured
}

func sortedHeaderNames(src http.Header) []string {
	names := make([]string, 0, len(src))
	for name := range src {
		if isHopByHop(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isHopByHop(name string) bool {
	for _, header := range hopByHopHeaders {
		if strings.EqualFold(name, header) {
			return true
		}
	}
	return false
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
