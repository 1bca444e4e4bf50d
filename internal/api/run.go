package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/runlog"
)

type intentRequest struct {
	Text string `json:"text"`
	// PriceHint 为空时使用引擎最近一次价格。
	PriceHint *float64 `json:"price_hint,omitempty"`
}

type priceResponse struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at,omitzero"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Intent == nil {
		writeError(w, unavailable("intent compiler"))
		return
	}
	if s.intentLimit != nil && !s.intentLimit.Allow() {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, ""))
		return
	}
	var req intentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hint := 0.0
	if req.PriceHint != nil {
		hint = *req.PriceHint
	} else if s.deps.Runs != nil {
		hint = s.deps.Runs.Snapshot().Price
	}
	res, err := s.deps.Intent.Compile(r.Context(), req.Text, hint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	addr, err := s.deps.Runs.ConnectWallet(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex()})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runs.Snapshot())
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	snap, err := s.deps.Runs.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	snap, err := s.deps.Runs.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunDismiss(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	snap, err := s.deps.Runs.Dismiss(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePrice(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, unavailable("engine"))
		return
	}
	snap := s.deps.Runs.Snapshot()
	writeJSON(w, http.StatusOK, priceResponse{Price: snap.Price, At: snap.PriceAt})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, unavailable("run store"))
		return
	}
	records, err := s.deps.Store.List(r.Context(), queryInt(r, "limit", runlog.DefaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []runlog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, unavailable("run store"))
		return
	}
	rec, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chains == nil {
		writeError(w, unavailable("chain registry"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Chains.Snapshots(r.Context()))
}

// handleEvents 以 server-sent events 推送运行事件，replay 指定先补发的历史条数。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, unavailable("event stream"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "streaming unsupported"))
		return
	}
	history, ch, cancel := s.deps.Events.SubscribeWithReplay(64, queryInt(r, "replay", 0))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range history {
		if writeEvent(w, ev) != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if writeEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
