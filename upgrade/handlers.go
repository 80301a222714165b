package upgrade

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/buildwatch/kit"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 5 * time.Minute
)

// Routes returns the HTTP surface of the detector:
//
//	GET  /status          counters and session state
//	POST /check?fetch=1   manual check, network when fetch is set
//	POST /cancel          cancel the detector
//	GET  /wait?timeout=   block until a new version is seen or the timeout
func (d *Detector) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := kit.WithTransport(req.Context(), "http")
			ctx = kit.WithRequestID(ctx, middleware.GetReqID(req.Context()))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})

	r.Get("/status", d.handleStatus)
	r.Post("/check", d.handleCheck)
	r.Post("/cancel", d.handleCancel)
	r.Get("/wait", d.handleWait)
	return r
}

func (d *Detector) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Stats(r.Context()))
}

func (d *Detector) handleCheck(w http.ResponseWriter, r *http.Request) {
	if st := d.State(); st != StateActive {
		jsonErr(w, "detector is "+st.String(), http.StatusConflict)
		return
	}
	fetch, _ := strconv.ParseBool(r.URL.Query().Get("fetch"))
	d.Trigger(r.Context(), fetch)
	writeJSON(w, http.StatusOK, d.Stats(r.Context()))
}

func (d *Detector) handleCancel(w http.ResponseWriter, r *http.Request) {
	d.Cancel()
	writeJSON(w, http.StatusOK, d.Stats(r.Context()))
}

func (d *Detector) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		t, err := time.ParseDuration(v)
		if err != nil || t <= 0 {
			jsonErr(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(t, maxWait)
	}

	flag := d.Subscribe(nil)
	defer flag.Unsubscribe()

	if !d.HasNewVersion() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-flag.Done():
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_new_version": d.HasNewVersion()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
