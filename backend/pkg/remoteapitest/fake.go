// Package remoteapitest provides an in-memory viewer backend for tests.
package remoteapitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"runicorn-client/backend/pkg/types"
)

// Backend fakes the /api/remote endpoints. Zero status fields mean 200.
type Backend struct {
	*httptest.Server

	mu          sync.Mutex
	connections []types.SavedConnection
	writes      [][]byte

	ListStatus int
	SaveStatus int
	SaveNotOK  bool

	Mode       types.StorageMode
	ModeStatus int

	// StartTaskID is returned by download-start; empty means ok:false.
	StartTaskID string
	StartError  string
	StartStatus int
	starts      []StartRequest

	tasks       map[string][]types.DownloadTask
	statusCalls map[string]int
	StatusError int

	CancelOK  bool
	cancelled []string
}

// StartRequest records a download-start body.
type StartRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
}

// NewBackend starts the fake. Callers must Close it.
func NewBackend() *Backend {
	b := &Backend{
		tasks:       make(map[string][]types.DownloadTask),
		statusCalls: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/remote/connections/saved", b.handleList)
	mux.HandleFunc("POST /api/remote/connections/saved", b.handleSave)
	mux.HandleFunc("GET /api/storage/mode", b.handleMode)
	mux.HandleFunc("POST /api/remote/artifacts/download", b.handleStart)
	mux.HandleFunc("GET /api/remote/artifacts/download/{id}", b.handleStatus)
	mux.HandleFunc("POST /api/remote/artifacts/download/{id}/cancel", b.handleCancel)
	b.Server = httptest.NewServer(mux)
	return b
}

// Configure mutates the exported knobs under the backend lock.
func (b *Backend) Configure(fn func(b *Backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// SetConnections seeds the stored collection.
func (b *Backend) SetConnections(conns []types.SavedConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections = append([]types.SavedConnection(nil), conns...)
}

// Connections returns the stored collection.
func (b *Backend) Connections() []types.SavedConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.SavedConnection(nil), b.connections...)
}

// Writes returns the raw bodies of every overwrite received.
func (b *Backend) Writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.writes...)
}

// ScriptTask sets the sequence of snapshots returned by successive status
// calls for id. The last snapshot repeats once the script is exhausted.
func (b *Backend) ScriptTask(id string, snapshots ...types.DownloadTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[id] = snapshots
}

// StatusCalls returns how many times the status of id was fetched.
func (b *Backend) StatusCalls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls[id]
}

// Starts returns the recorded download-start bodies.
func (b *Backend) Starts() []StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StartRequest(nil), b.starts...)
}

// Cancelled returns the ids cancel was requested for.
func (b *Backend) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListStatus != 0 && b.ListStatus != http.StatusOK {
		writeDetail(w, b.ListStatus, "Failed to load connections")
		return
	}
	conns := b.connections
	if conns == nil {
		conns = []types.SavedConnection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": conns})
}

func (b *Backend) handleSave(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, data)
	if b.SaveStatus != 0 && b.SaveStatus != http.StatusOK {
		writeDetail(w, b.SaveStatus, "Failed to save connections: disk full")
		return
	}
	if b.SaveNotOK {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": "rejected"})
		return
	}
	var conns []types.SavedConnection
	if err := json.Unmarshal(data, &conns); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.connections = conns
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Connections saved successfully"})
}

func (b *Backend) handleMode(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ModeStatus != 0 && b.ModeStatus != http.StatusOK {
		writeDetail(w, b.ModeStatus, "storage status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, b.Mode)
}

func (b *Backend) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, req)
	if b.StartStatus != 0 && b.StartStatus != http.StatusOK {
		writeDetail(w, b.StartStatus, b.StartError)
		return
	}
	if b.StartTaskID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": b.StartError})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": b.StartTaskID})
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StatusError != 0 {
		writeDetail(w, b.StatusError, "status lookup failed")
		return
	}
	script, ok := b.tasks[id]
	if !ok || len(script) == 0 {
		writeDetail(w, http.StatusNotFound, "Task not found: "+id)
		return
	}
	n := b.statusCalls[id]
	b.statusCalls[id] = n + 1
	if n >= len(script) {
		n = len(script) - 1
	}
	writeJSON(w, http.StatusOK, script[n])
}

func (b *Backend) handleCancel(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, r.PathValue("id"))
	if !b.CancelOK {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": "task already finished"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
