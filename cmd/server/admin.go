package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"worldsync/internal/persistence/indexdb"
	"worldsync/internal/sim/state"
	"worldsync/internal/sim/syncer"
	"worldsync/internal/transport/ws"
)

// adminAPI exposes local-only endpoints for driving and inspecting the
// synchronizer. Game logic that lives in another process pushes updates
// through /admin/v1/updates.
type adminAPI struct {
	engine      *syncer.Synchronizer
	idx         *indexdb.SQLiteIndex
	ws          *ws.Server
	checkpoints *checkpointWriter
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.loopbackOnly(a.handleState))
	mux.HandleFunc("/admin/v1/updates", a.loopbackOnly(a.handleUpdates))
	mux.HandleFunc("/admin/v1/checkpoint", a.loopbackOnly(a.handleCheckpoint))
	mux.HandleFunc("/admin/v1/rejections", a.loopbackOnly(a.handleRejections))
}

func (a *adminAPI) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ids := a.engine.Clients()
	clients := make([]syncer.ClientSyncState, 0, len(ids))
	for _, id := range ids {
		if st, ok := a.engine.ClientState(id); ok {
			clients = append(clients, st)
		}
	}
	resp := struct {
		Version      uint64                   `json:"version"`
		Clients      []syncer.ClientSyncState `json:"clients"`
		DroppedSends uint64                   `json:"dropped_sends"`
		Index        indexdb.Stats            `json:"index"`
	}{
		Version:      a.engine.CurrentVersion(),
		Clients:      clients,
		DroppedSends: a.ws.Dropped(),
		Index:        a.idx.Stats(),
	}
	writeJSON(rw, http.StatusOK, resp)
}

// handleUpdates applies one update or a JSON array of updates in order.
func (a *adminAPI) handleUpdates(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	var updates []state.Update
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &updates)
	} else {
		var u state.Update
		err = json.Unmarshal(body, &u)
		updates = append(updates, u)
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	versions := make([]uint64, 0, len(updates))
	for _, u := range updates {
		versions = append(versions, a.engine.UpdateWorldState(u))
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "versions": versions})
}

func (a *adminAPI) handleCheckpoint(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ws := a.engine.WorldSnapshot()
	path, err := a.checkpoints.write(ws)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "version": ws.Version, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "version": ws.Version, "path": path})
}

func (a *adminAPI) handleRejections(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "index disabled"})
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing client"})
		return
	}
	rows, err := a.idx.RejectedInputs(r.Context(), clientID, 100)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "rejections": rows})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
