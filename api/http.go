package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mongoclaw/mongoclaw"
)

// enqueueManualRequest is the JSON body for POST /agents/{id}/enqueue.
type enqueueManualRequest struct {
	DocumentID string                 `json:"document_id"`
	Document   map[string]interface{} `json:"document"`
}

// Handler serves the control surface over HTTP, mirroring metrics.Sink's
// Handler()/promhttp pattern of a plain net/http.Handler the caller
// mounts on its own mux.
//
//	GET  /agents/{id}/status
//	POST /agents/{id}/enqueue
//	POST /drain
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/", r.handleAgent)
	mux.HandleFunc("/drain", r.handleDrain)
	return mux
}

func (r *Runtime) handleAgent(w http.ResponseWriter, req *http.Request) {
	// path shape: /agents/{id}/status or /agents/{id}/enqueue
	path := req.URL.Path[len("/agents/"):]
	var agentID, action string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			agentID, action = path[:i], path[i+1:]
			break
		}
	}
	if agentID == "" || action == "" {
		http.NotFound(w, req)
		return
	}

	switch {
	case action == "status" && req.Method == http.MethodGet:
		report, err := r.Status(req.Context(), agentID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case action == "enqueue" && req.Method == http.MethodPost:
		var body enqueueManualRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		item, err := r.EnqueueManual(req.Context(), agentID, body.DocumentID, body.Document)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, item)
	default:
		http.NotFound(w, req)
	}
}

func (r *Runtime) handleDrain(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}
	if err := r.Drain(r.DrainTimeout); err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, mongoclaw.ErrAgentNotFound) || errors.Is(err, mongoclaw.ErrAgentDisabled) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
