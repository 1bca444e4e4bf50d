package api

import (
	"encoding/json"
	"net/http"
	"strings"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/graph"
)

type replaceRequest struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

type changesRequest struct {
	Nodes []graph.NodeChange `json:"nodes"`
	Edges []graph.EdgeChange `json:"edges"`
}

type addNodeRequest struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id,omitempty"`
	Label    string          `json:"label,omitempty"`
	Position graph.Position  `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type connectRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	EntryID string `json:"entry_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

func (s *Server) handleReplaceGraph(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	var req replaceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Model.ReplaceAll(req.Nodes, req.Edges); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

func (s *Server) handleResetGraph(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	s.deps.Model.Reset()
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

func (s *Server) handleValidateGraph(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	entry, err := graph.ValidateForStart(s.deps.Model.Snapshot())
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Reason: xerrors.Reason(err)})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, EntryID: entry})
}

func (s *Server) handleGraphChanges(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	var req changesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Nodes) > 0 {
		if err := s.deps.Model.ApplyNodeChanges(req.Nodes); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(req.Edges) > 0 {
		if err := s.deps.Model.ApplyEdgeChanges(req.Edges); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	var req addNodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, ok := graph.ParseKind(req.Kind)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown node kind "+req.Kind))
		return
	}
	var opts []graph.NodeOption
	if id := strings.TrimSpace(req.ID); id != "" {
		opts = append(opts, graph.WithNodeID(id))
	}
	if label := strings.TrimSpace(req.Label); label != "" {
		opts = append(opts, graph.WithLabel(label))
	}
	if len(req.Config) > 0 {
		cfg, err := graph.DecodeConfig(kind, req.Config, true)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid node config"))
			return
		}
		opts = append(opts, graph.WithConfig(cfg))
	}
	node, err := s.deps.Model.AddNode(kind, req.Position, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	if err := s.deps.Model.RemoveNode(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	var patch map[string]any
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Model.PatchNodeConfig(id, patch); err != nil {
		writeError(w, err)
		return
	}
	node, _ := s.deps.Model.Node(id)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	edge, err := s.deps.Model.Connect(req.Source, req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeError(w, unavailable("graph"))
		return
	}
	if err := s.deps.Model.RemoveEdge(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
