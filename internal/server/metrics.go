package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"northstar/internal/domain"
	"northstar/internal/lifecycle"
	"northstar/internal/queue"
)

// metricsSnapshot is the JSON shape of /metrics.json.
type metricsSnapshot struct {
	Requests  map[string]int `json:"requests_by_status"`
	Users     map[string]int `json:"users"`
	Responses map[string]int `json:"responses"`
	Jobs      map[string]int `json:"jobs_by_state"`
	Queue     map[string]int `json:"queue_totals"`
}

func collectMetrics(r *http.Request, e lifecycle.Engine, m *queue.Manager) (metricsSnapshot, error) {
	ctx := r.Context()
	snap := metricsSnapshot{
		Requests:  map[string]int{},
		Users:     map[string]int{},
		Responses: map[string]int{},
		Jobs:      map[string]int{},
		Queue:     map[string]int{},
	}

	byStatus, err := e.Repo.CountRequestsByStatus(ctx)
	if err != nil {
		return snap, err
	}
	for _, s := range domain.Statuses {
		snap.Requests[string(s)] = byStatus[s]
	}

	total, active, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return snap, err
	}
	snap.Users["total"] = total
	snap.Users["active"] = active

	pending, err := e.Repo.CountPendingResponses(ctx)
	if err != nil {
		return snap, err
	}
	snap.Responses["pending"] = pending

	if m != nil {
		byState, err := m.QueueStats(ctx, "")
		if err != nil {
			return snap, err
		}
		for state, n := range byState {
			snap.Jobs[string(state)] = n
		}
		snap.Queue["enqueued"] = int(m.Stats.Enqueued.Load())
		snap.Queue["deduped"] = int(m.Stats.Deduped.Load())
		snap.Queue["completed"] = int(m.Stats.Completed.Load())
		snap.Queue["failed"] = int(m.Stats.Failed.Load())
		snap.Queue["dead_letters"] = int(m.Stats.DeadLetters.Load())
	}
	return snap, nil
}

func registerMetrics(router chi.Router, basePath string, e lifecycle.Engine, m *queue.Manager) {
	metricsPath := path.Join(basePath, "metrics")

	router.Get(metricsPath, func(w http.ResponseWriter, r *http.Request) {
		snap, err := collectMetrics(r, e, m)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(renderPrometheus(snap)))
	})

	router.Get(metricsPath+".json", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collectMetrics(r, e, m)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// renderPrometheus emits the snapshot in Prometheus exposition text format.
func renderPrometheus(snap metricsSnapshot) string {
	var b strings.Builder

	b.WriteString("# HELP northstar_requests_total Service requests by status.\n")
	b.WriteString("# TYPE northstar_requests_total gauge\n")
	writeLabeled(&b, "northstar_requests_total", "status", snap.Requests)

	b.WriteString("# HELP northstar_users_total Registered users.\n")
	b.WriteString("# TYPE northstar_users_total gauge\n")
	fmt.Fprintf(&b, "northstar_users_total %d\n", snap.Users["total"])
	b.WriteString("# HELP northstar_users_active Active users.\n")
	b.WriteString("# TYPE northstar_users_active gauge\n")
	fmt.Fprintf(&b, "northstar_users_active %d\n", snap.Users["active"])

	b.WriteString("# HELP northstar_responses_pending Provider responses awaiting a decision.\n")
	b.WriteString("# TYPE northstar_responses_pending gauge\n")
	fmt.Fprintf(&b, "northstar_responses_pending %d\n", snap.Responses["pending"])

	b.WriteString("# HELP northstar_jobs Jobs by state.\n")
	b.WriteString("# TYPE northstar_jobs gauge\n")
	writeLabeled(&b, "northstar_jobs", "state", snap.Jobs)

	b.WriteString("# HELP northstar_queue_events_total Queue activity since process start.\n")
	b.WriteString("# TYPE northstar_queue_events_total counter\n")
	writeLabeled(&b, "northstar_queue_events_total", "kind", snap.Queue)

	return b.String()
}

func writeLabeled(b *strings.Builder, metric, label string, values map[string]int) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", metric, label, strings.ToLower(k), values[k])
	}
}
