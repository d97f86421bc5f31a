package relay

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/snapnote/syncrelay/internal/pending"
)

// Admin exposes the operator surface: queue inspection, explicit drain,
// dead-letter management and cache trimming. Mounted under /admin/.
type Admin struct {
	store     pending.Store
	syncer    *pending.Syncer
	cache     *ResponseCache
	bridge    *Bridge
	cacheKeep int
	logger    pending.Logger
}

type AdminOptions struct {
	Store  pending.Store
	Syncer *pending.Syncer
	Cache  *ResponseCache
	Bridge *Bridge

	// CacheKeep is how many dynamic entries a trim preserves.
	CacheKeep int

	Logger pending.Logger
}

func NewAdmin(opts AdminOptions) *Admin {
	cacheKeep := opts.CacheKeep
	if cacheKeep <= 0 {
		cacheKeep = 100
	}
	return &Admin{
		store:     opts.Store,
		syncer:    opts.Syncer,
		cache:     opts.Cache,
		bridge:    opts.Bridge,
		cacheKeep: cacheKeep,
		logger:    opts.Logger,
	}
}

func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "pending" && r.Method == http.MethodGet:
		a.handlePending(w)
	case len(parts) == 1 && parts[0] == "sync" && r.Method == http.MethodPost:
		a.handleSync(w, r)
	case len(parts) == 1 && parts[0] == "dead-letter" && r.Method == http.MethodGet:
		a.handleDeadLetter(w)
	case len(parts) == 3 && parts[0] == "dead-letter" && parts[2] == "ack" && r.Method == http.MethodPost:
		a.handleDeadLetterAck(w, parts[1], correlationID)
	case len(parts) == 3 && parts[0] == "dead-letter" && parts[2] == "requeue" && r.Method == http.MethodPost:
		a.handleDeadLetterRequeue(w, parts[1], correlationID)
	case len(parts) == 2 && parts[0] == "cache" && parts[1] == "trim" && r.Method == http.MethodPost:
		a.handleCacheTrim(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (a *Admin) handlePending(w http.ResponseWriter) {
	changes := a.store.ListAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": changes,
		"total": len(changes),
	})
}

func (a *Admin) handleSync(w http.ResponseWriter, r *http.Request) {
	outcomes := a.syncer.Drain(r.Context())
	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			succeeded++
		}
	}
	a.logf("explicit sync: %d/%d replays succeeded", succeeded, len(outcomes))
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": len(outcomes),
		"succeeded": succeeded,
		"outcomes":  outcomes,
	})
}

func (a *Admin) handleDeadLetter(w http.ResponseWriter) {
	quarantined := a.store.Quarantined()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": quarantined,
		"total": len(quarantined),
	})
}

func (a *Admin) handleDeadLetterAck(w http.ResponseWriter, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid change id", correlationID)
		return
	}
	if !a.store.AckQuarantined(id) {
		writeError(w, http.StatusNotFound, "not_found", "no quarantined change with that id", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": id})
}

func (a *Admin) handleDeadLetterRequeue(w http.ResponseWriter, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid change id", correlationID)
		return
	}
	if !a.store.RequeueQuarantined(id) {
		writeError(w, http.StatusNotFound, "not_found", "no quarantined change with that id", correlationID)
		return
	}
	if a.bridge != nil {
		a.bridge.BroadcastPendingState(a.store.HasAny())
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
}

func (a *Admin) handleCacheTrim(w http.ResponseWriter) {
	evicted := 0
	if a.cache != nil {
		evicted = a.cache.Trim(a.cacheKeep)
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

func (a *Admin) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
