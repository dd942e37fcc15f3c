package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/models"
)

type commandKind int

const (
	startCommand commandKind = iota
	stopCommand
	restartCommand
	killCommand
	ackCommand
)

// InstanceRef addresses one instance by ID or by name.
type InstanceRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Graceful *bool  `json:"graceful,omitempty"`
}

type CreateResponse struct {
	ID string `json:"id"`
}

type ConsoleSendRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Line string `json:"line"`
}

type ConsoleTailResponse struct {
	Lines []models.ConsoleLine `json:"lines"`
}

func (g *Gateway) createHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var inst config.Instance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := g.registry.Create(inst)
	if err != nil {
		writeError(w, g.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CreateResponse{ID: id})
}

func (g *Gateway) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := g.resolveBody(w, r)
	if !ok {
		return
	}

	if err := g.registry.Delete(r.Context(), id); err != nil {
		writeError(w, g.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) commandHandler(kind commandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var ref InstanceRef
		if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		id, ok := g.resolveRef(w, ref)
		if !ok {
			return
		}

		cmd := models.Command{}
		switch kind {
		case startCommand:
			cmd.Kind = models.CommandStart
		case stopCommand:
			cmd.Kind = models.CommandStop
			cmd.Graceful = true
			if ref.Graceful != nil {
				cmd.Graceful = *ref.Graceful
			}
			if !cmd.Graceful {
				cmd.Kind = models.CommandKill
			}
		case restartCommand:
			cmd.Kind = models.CommandRestart
		case killCommand:
			cmd.Kind = models.CommandKill
		case ackCommand:
			cmd.Kind = models.CommandAcknowledge
		}

		if err := g.registry.Command(r.Context(), id, cmd); err != nil {
			writeError(w, g.logger, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (g *Gateway) listHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offset := 0
	limit := 100

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	summaries := g.registry.List()
	total := len(summaries)

	if offset >= len(summaries) {
		summaries = []models.InstanceSummary{}
	} else {
		end := offset + limit
		if end > len(summaries) {
			end = len(summaries)
		}
		summaries = summaries[offset:end]
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(models.InstanceListResponse{
		Instances: summaries,
		Total:     total,
	})
	if err != nil {
		g.logger.Error("failed to encode list response", "error", err)
	}
}

func (g *Gateway) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := g.resolveQuery(w, r)
	if !ok {
		return
	}

	summary, err := g.registry.Get(id)
	if err != nil {
		writeError(w, g.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

func (g *Gateway) consoleTailHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := g.resolveQuery(w, r)
	if !ok {
		return
	}

	lines := 50
	if linesStr := r.URL.Query().Get("lines"); linesStr != "" {
		if n, err := strconv.Atoi(linesStr); err == nil && n > 0 {
			lines = n
		}
	}

	tail, err := g.registry.ConsoleTail(id, lines)
	if err != nil {
		writeError(w, g.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ConsoleTailResponse{Lines: tail})
}

func (g *Gateway) consoleSendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConsoleSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Line == "" {
		http.Error(w, "Line is required", http.StatusBadRequest)
		return
	}

	id, ok := g.resolveRef(w, InstanceRef{ID: req.ID, Name: req.Name})
	if !ok {
		return
	}

	if err := g.registry.SendConsole(r.Context(), id, req.Line); err != nil {
		writeError(w, g.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) resolveBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var ref InstanceRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return "", false
	}
	return g.resolveRef(w, ref)
}

func (g *Gateway) resolveRef(w http.ResponseWriter, ref InstanceRef) (string, bool) {
	if ref.ID != "" {
		return ref.ID, true
	}
	if ref.Name == "" {
		http.Error(w, "ID or name is required", http.StatusBadRequest)
		return "", false
	}
	id, ok := g.registry.Resolve(ref.Name)
	if !ok {
		writeError(w, g.logger, notFoundByName(ref.Name))
		return "", false
	}
	return id, true
}

func (g *Gateway) resolveQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.URL.Query().Get("id"); id != "" {
		return id, true
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing id or name parameter", http.StatusBadRequest)
		return "", false
	}
	id, ok := g.registry.Resolve(name)
	if !ok {
		writeError(w, g.logger, notFoundByName(name))
		return "", false
	}
	return id, true
}
