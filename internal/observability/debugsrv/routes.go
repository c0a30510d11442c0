package debugsrv

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"padbridge/internal/monitor"
	"padbridge/internal/task/scheduler"
)

// Reporter is the scheduler view served on /tasks.
type Reporter interface {
	Snapshot() (scheduler.Report, error)
}

// Sources feed the non-pprof endpoints. Nil fields disable their endpoint.
type Sources struct {
	Tasks   Reporter
	Samples func() []monitor.Sample
	// Logs returns up to n buffered log lines (0 = all) and the rate-limit
	// drop count.
	Logs func(n int) ([]json.RawMessage, uint64)
}

type logsView struct {
	Dropped uint64            `json:"dropped"`
	Lines   []json.RawMessage `json:"lines"`
}

type taskView struct {
	ID            uint32    `json:"id"`
	Name          string    `json:"name"`
	Policy        string    `json:"policy"`
	Priority      int       `json:"priority"`
	State         string    `json:"state"`
	PeriodMS      int64     `json:"period_ms,omitempty"`
	BudgetMS      int64     `json:"budget_ms,omitempty"`
	Runs          uint64    `json:"runs"`
	Errors        uint64    `json:"errors"`
	Missed        uint64    `json:"missed"`
	AvgUS         int64     `json:"avg_us"`
	MinUS         int64     `json:"min_us"`
	MaxUS         int64     `json:"max_us"`
	LastExecution time.Time `json:"last_execution,omitempty"`
	NextExecution time.Time `json:"next_execution,omitempty"`
}

type reportView struct {
	Version         string     `json:"version"`
	Taken           time.Time  `json:"taken"`
	UptimeMS        int64      `json:"uptime_ms"`
	Active          int        `json:"active"`
	Created         uint64     `json:"created"`
	Completed       uint64     `json:"completed"`
	Failed          uint64     `json:"failed"`
	Executions      uint64     `json:"executions"`
	MissedDeadlines uint64     `json:"missed_deadlines"`
	Tasks           []taskView `json:"tasks"`
}

func (s *Service) routes(token, prefix string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	if s.src.Tasks != nil {
		mux.HandleFunc("/tasks", wrap(s.handleTasksText))
		mux.HandleFunc("/tasks.json", wrap(s.handleTasksJSON))
	}
	if s.src.Samples != nil {
		mux.HandleFunc("/samples.json", wrap(s.handleSamples))
	}
	if s.src.Logs != nil {
		mux.HandleFunc("/logs.json", wrap(s.handleLogs))
	}

	// pprof endpoints under prefix.
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	if base != "" {
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

func (s *Service) handleTasksText(w http.ResponseWriter, r *http.Request) {
	rep, err := s.src.Tasks.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_ = rep.Write(w)
}

func (s *Service) handleTasksJSON(w http.ResponseWriter, r *http.Request) {
	rep, err := s.src.Tasks.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, viewOf(rep))
}

func (s *Service) handleSamples(w http.ResponseWriter, r *http.Request) {
	n, ok := lastParam(w, r)
	if !ok {
		return
	}
	samples := s.src.Samples()
	if n > 0 && n < len(samples) {
		samples = samples[len(samples)-n:]
	}
	writeJSON(w, samples)
}

func (s *Service) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, ok := lastParam(w, r)
	if !ok {
		return
	}
	lines, dropped := s.src.Logs(n)
	if lines == nil {
		lines = []json.RawMessage{}
	}
	writeJSON(w, logsView{Dropped: dropped, Lines: lines})
}

// lastParam reads ?last=N (0 or absent = everything).
func lastParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("last")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		http.Error(w, "last must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func viewOf(rep scheduler.Report) reportView {
	t := rep.Totals
	out := reportView{
		Version:         rep.Version,
		Taken:           rep.Taken,
		UptimeMS:        t.Uptime.Milliseconds(),
		Active:          t.Active,
		Created:         t.TotalCreated,
		Completed:       t.Completed,
		Failed:          t.Failed,
		Executions:      t.TotalExecutions,
		MissedDeadlines: t.MissedDeadlines,
		Tasks:           make([]taskView, 0, len(rep.Tasks)),
	}
	for _, row := range rep.Tasks {
		out.Tasks = append(out.Tasks, taskView{
			ID:            uint32(row.Info.ID),
			Name:          row.Info.Name,
			Policy:        row.Info.Policy.String(),
			Priority:      int(row.Info.Priority),
			State:         row.Stats.State.String(),
			PeriodMS:      row.Info.Period.Milliseconds(),
			BudgetMS:      row.Info.MaxDuration.Milliseconds(),
			Runs:          row.Stats.ExecutionCount,
			Errors:        row.Stats.ErrorCount,
			Missed:        row.Stats.MissedDeadlines,
			AvgUS:         row.Stats.AvgExecution.Microseconds(),
			MinUS:         row.Stats.MinExecution.Microseconds(),
			MaxUS:         row.Stats.MaxExecution.Microseconds(),
			LastExecution: row.Stats.LastExecution,
			NextExecution: row.Stats.NextExecution,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index under a custom prefix by rewriting the
// path to the /debug/pprof/ root it expects.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
