package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
)

// Server provides the HTTP API for the agentbridge daemon.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/inbound", s.handleInbound)
	mux.HandleFunc("/abort", s.handleAbort)
	mux.HandleFunc("/permission/respond", s.handlePermissionRespond)

	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/scheduler/log", s.handleSchedulerLog)

	mux.HandleFunc("/config", s.handleConfig)

	mux.HandleFunc("/contacts", s.handleContacts)
	mux.HandleFunc("/contacts/", s.handleContactByAddress)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting agentbridge daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- State / inbound / abort / permission ---

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.State())
}

type inboundRequest struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	DisplayName string `json:"displayName"`
}

// handleInbound is the transport relay's webhook for inbound chat
// events. It accepts the event and returns before the turn runs.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Sender == "" || req.Text == "" {
		http.Error(w, "sender and text required", http.StatusBadRequest)
		return
	}

	err := s.service.Inbound(r.Context(), req.Sender, req.Text, req.DisplayName)
	if errors.Is(err, ErrNotAllowed) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.service.Abort()})
}

type permissionResponse struct {
	ID      string `json:"id"`
	Allow   bool   `json:"allow"`
	Answer  string `json:"answer"`
	Message string `json:"message"`
}

func (s *Server) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req permissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := s.service.RespondToPermission(req.ID, req.Allow, req.Answer, req.Message); err != nil {
		// A stale id is not an error for the caller: the request was
		// already resolved by another path.
		if errors.Is(err, ErrStalePending) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "stale"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.service.ListSessions()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []models.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		sess, err := s.service.NewSession()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID handles /sessions/{id}/*
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.service.GetSession(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sess == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteSession(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "activate" && r.Method == http.MethodPost:
		if err := s.service.ActivateSession(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "messages" && r.Method == http.MethodGet:
		msgs, err := s.service.SessionMessages(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	case action == "permissions" && r.Method == http.MethodGet:
		records, err := s.service.SessionPermissionLog(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []models.PermissionRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Scheduled tasks ---

type createTaskRequest struct {
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	CronExpr  string `json:"cronExpr"`
	OneShot   bool   `json:"oneShot"`
	StartDate string `json:"startDate"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.service.ListTasks()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if tasks == nil {
			tasks = []models.ScheduledTask{}
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.Prompt == "" || req.CronExpr == "" {
			http.Error(w, "name, prompt and cronExpr required", http.StatusBadRequest)
			return
		}
		task, err := s.service.CreateTask(req.Name, req.Prompt, req.CronExpr, req.OneShot, req.StartDate)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidCron) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateTaskRequest struct {
	Name      *string `json:"name"`
	Prompt    *string `json:"prompt"`
	CronExpr  *string `json:"cronExpr"`
	Enabled   *bool   `json:"enabled"`
	OneShot   *bool   `json:"oneShot"`
	StartDate *string `json:"startDate"`
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req updateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		upd := store.TaskUpdate{
			Name:      req.Name,
			Prompt:    req.Prompt,
			CronExpr:  req.CronExpr,
			Enabled:   req.Enabled,
			OneShot:   req.OneShot,
			StartDate: req.StartDate,
		}
		if err := s.service.UpdateTask(id, upd); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidCron) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.service.DeleteTask(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSchedulerLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SchedulerLog())
}

// --- Config ---

type configUpdateRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := s.service.AllConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, all)
	case http.MethodPut:
		var req configUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.service.SetConfig(req.Key, req.Value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Contacts ---

type contactRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	IsOwner     bool   `json:"isOwner"`
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.service.ListContacts()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if contacts == nil {
			contacts = []models.Contact{}
		}
		writeJSON(w, http.StatusOK, contacts)
	case http.MethodPost:
		var req contactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Address == "" {
			http.Error(w, "address required", http.StatusBadRequest)
			return
		}
		if err := s.service.AddContact(req.Address, req.DisplayName, req.Description, req.IsOwner); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleContactByAddress(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimPrefix(r.URL.Path, "/contacts/")
	if address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.service.RemoveContact(address); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
