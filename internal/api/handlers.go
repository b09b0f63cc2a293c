package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/pkg/types"
)

// StatusResponse is the response for GET /v1/status.
type StatusResponse struct {
	Status          string                 `json:"status"` // ok or degraded
	Version         string                 `json:"version"`
	Uptime          string                 `json:"uptime"`
	StartedAt       time.Time              `json:"started_at"`
	Program         types.StakingProgramID `json:"program,omitempty"`
	Chains          []string               `json:"chains,omitempty"`
	Balance         *SnapshotStatus        `json:"balance,omitempty"`
	Rewards         *SnapshotStatus        `json:"rewards,omitempty"`
	WSClients       int                    `json:"ws_clients"`
	RestartRequired bool                   `json:"restart_required,omitempty"`
}

// SnapshotStatus summarizes one aggregator's published snapshot.
type SnapshotStatus struct {
	Seq       uint64    `json:"seq"`
	SettledAt time.Time `json:"settled_at"`
	Stale     bool      `json:"stale,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ChainStatus is one row of GET /v1/chains. RPC URLs stay out of API
// responses; they can carry provider API keys.
type ChainStatus struct {
	ID           types.ChainID `json:"id"`
	Name         string        `json:"name"`
	NativeSymbol string        `json:"native_symbol"`
	RPCEndpoints int           `json:"rpc_endpoints"`
	Subgraph     bool          `json:"subgraph"`
}

// ProgramInfo is one row of GET /v1/programs.
type ProgramInfo struct {
	types.StakingProgramMeta
	HomeChain string `json:"home_chain"`
	Selected  bool   `json:"selected"`
}

// RefreshRequest is the body for POST /v1/refresh. An empty target refreshes
// everything.
type RefreshRequest struct {
	Target string `json:"target,omitempty"` // balances, rewards or all
}

// SelectProgramRequest is the body for POST /v1/program.
type SelectProgramRequest struct {
	Program types.StakingProgramID `json:"program"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Status:    "ok",
		Version:   s.version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt: s.startedAt.UTC(),
	}

	for _, desc := range s.chains {
		resp.Chains = append(resp.Chains, desc.Name)
	}

	if s.balances != nil {
		snap := s.balances.Snapshot()
		resp.Balance = &SnapshotStatus{
			Seq:       snap.Seq,
			SettledAt: snap.SettledAt,
			Stale:     snap.Stale,
			Error:     snap.Error,
		}
		if snap.Stale || snap.Error != "" {
			resp.Status = "degraded"
		}
	}
	if s.rewards != nil {
		snap := s.rewards.Snapshot()
		resp.Program = s.rewards.Program()
		resp.Rewards = &SnapshotStatus{
			Seq:       snap.Seq,
			SettledAt: snap.SettledAt,
			Stale:     snap.Stale,
			Error:     snap.Error,
		}
		if snap.Stale || snap.Error != "" {
			resp.Status = "degraded"
		}
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ClientCount()
	}
	if s.restartRequired != nil {
		resp.RestartRequired = s.restartRequired()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleBalances handles GET /v1/balances.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.balances == nil {
		s.writeError(w, http.StatusServiceUnavailable, "balance aggregator not running")
		return
	}
	s.writeJSON(w, http.StatusOK, s.balances.Snapshot())
}

// handleRewards handles GET /v1/rewards.
func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.rewards == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reward aggregator not running")
		return
	}
	s.writeJSON(w, http.StatusOK, s.rewards.Snapshot())
}

// handleChains handles GET /v1/chains.
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	out := make([]ChainStatus, 0, len(s.chains))
	for _, desc := range s.chains {
		out = append(out, ChainStatus{
			ID:           desc.ID,
			Name:         desc.Name,
			NativeSymbol: desc.NativeSymbol,
			RPCEndpoints: len(desc.RPCURLs),
			Subgraph:     desc.SubgraphURL != "",
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePrograms handles GET /v1/programs.
func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.programs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "program registry not configured")
		return
	}

	var selected types.StakingProgramID
	if s.rewards != nil {
		selected = s.rewards.Program()
	}

	metas := s.programs.All()
	out := make([]ProgramInfo, 0, len(metas))
	for _, meta := range metas {
		info := ProgramInfo{
			StakingProgramMeta: meta,
			Selected:           meta.ID == selected,
		}
		if chain, err := s.programs.HomeChain(meta.ID); err == nil {
			info.HomeChain = chain.String()
		}
		out = append(out, info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleRefresh handles POST /v1/refresh. The refresh is scheduled, not
// awaited; callers watch the snapshot sequence or the WebSocket channel for
// the result.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req RefreshRequest
	if r.ContentLength != 0 {
		if err := s.readJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Target == "" {
		req.Target = "all"
	}

	switch req.Target {
	case "balances":
		if s.balances != nil {
			s.balances.Refresh()
		}
	case "rewards":
		if s.rewards != nil {
			s.rewards.Refresh()
		}
	case "all":
		if s.balances != nil {
			s.balances.Refresh()
		}
		if s.rewards != nil {
			s.rewards.Refresh()
		}
	default:
		s.writeError(w, http.StatusBadRequest, "unknown refresh target")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"refreshing": req.Target})
}

// handleProgram handles POST /v1/program.
func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.rewards == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reward aggregator not running")
		return
	}

	var req SelectProgramRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Program == "" {
		s.writeError(w, http.StatusBadRequest, "program is required")
		return
	}

	if err := s.rewards.SetProgram(req.Program); err != nil {
		if errors.Is(err, registry.ErrUnknownProgram) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.persistProgram != nil {
		if err := s.persistProgram(req.Program); err != nil {
			logging.Warn("failed to persist program selection",
				logging.Program(req.Program),
				logging.Err(err),
				logging.Component("api"))
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"program": req.Program,
	})
}

// readJSON reads a JSON body with a small limit; every accepted body here is
// tiny.
func (s *Server) readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
