package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Handler serves the in-memory backend over HTTP using the default phase
// endpoints, so the real HTTP client can be exercised against it.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects/{project}/phases/{phase}/jobs", func(w http.ResponseWriter, r *http.Request) {
		var body types.PhaseInput
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		endpoint := "/phases/" + r.PathValue("phase") + "/jobs"
		id, err := b.CreateJob(r.Context(), r.PathValue("project"), endpoint, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, types.CreateJobResponse{JobID: id})
	})

	mux.HandleFunc("GET /jobs/{job}", func(w http.ResponseWriter, r *http.Request) {
		job, err := b.GetJob(r.Context(), r.PathValue("job"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, job)
	})

	mux.HandleFunc("GET /projects/{project}/state", func(w http.ResponseWriter, r *http.Request) {
		ps, err := b.GetProjectState(r.Context(), r.PathValue("project"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, ps)
	})

	return mux
}

// NewServer starts an httptest server for b that is closed when t ends.
func NewServer(t testing.TB, b *Backend) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
