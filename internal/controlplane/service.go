// Package controlplane provides the HTTP API and service layer for
// agentbridge.
package controlplane

import (
	"context"
	"fmt"
	"log"

	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/commands"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/cronexpr"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/scheduler"
	"github.com/fentz26/agentbridge/internal/store"
	"github.com/fentz26/agentbridge/internal/transport"
)

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	cfg       *config.Config
	broker    *broker.Broker
	scheduler *scheduler.Scheduler
	transport transport.Transport
	commands  *commands.Handler
}

// NewService creates a new control plane service.
func NewService(st *store.Store, cfg *config.Config, b *broker.Broker, sch *scheduler.Scheduler, t transport.Transport, cmds *commands.Handler) *Service {
	return &Service{
		store:     st,
		cfg:       cfg,
		broker:    b,
		scheduler: sch,
		transport: t,
		commands:  cmds,
	}
}

// DaemonState is the aggregate state returned by GET /state.
type DaemonState struct {
	Broker    broker.Snapshot  `json:"broker"`
	Transport transport.Status `json:"transport"`
	Jobs      []string         `json:"activeJobs"`
}

// State returns the observable daemon state.
func (s *Service) State() DaemonState {
	return DaemonState{
		Broker:    s.broker.Snapshot(),
		Transport: s.transport.Status(),
		Jobs:      s.scheduler.ActiveJobs(),
	}
}

// Inbound routes one inbound chat event: allow-list gate, command
// surface, then the broker. The turn runs detached; the caller gets
// an immediate accept/reject.
func (s *Service) Inbound(ctx context.Context, sender, text, displayName string) error {
	allowed, err := s.store.IsAllowedSender(sender)
	if err != nil {
		return fmt.Errorf("allow-list lookup: %w", err)
	}
	if !allowed {
		log.Printf("[controlplane] dropped inbound from unknown sender %s", sender)
		return ErrNotAllowed
	}
	if s.commands.Handle(ctx, sender, text) {
		return nil
	}
	go func() {
		if err := s.broker.HandleChat(context.Background(), sender, text); err != nil {
			log.Printf("[controlplane] inbound turn: %v", err)
		}
	}()
	return nil
}

// --- Session operations ---

func (s *Service) ListSessions() ([]models.Session, error) {
	return s.store.ListSessions()
}

func (s *Service) GetSession(id string) (*models.Session, error) {
	return s.store.GetSession(id)
}

// NewSession closes the active session and opens a fresh one with the
// configured defaults.
func (s *Service) NewSession() (*models.Session, error) {
	policy := models.PermissionPolicy(s.cfg.String(config.KeyPermissionMode))
	if !models.ValidPolicy(policy) {
		policy = models.PolicyAsk
	}
	return s.store.CreateSession(s.cfg.String(config.KeyWorkDir), policy)
}

func (s *Service) ActivateSession(id string) error {
	return s.store.ActivateSession(id)
}

func (s *Service) DeleteSession(id string) error {
	return s.store.DeleteSession(id)
}

func (s *Service) SessionMessages(id string) ([]models.Message, error) {
	return s.store.GetMessages(id)
}

func (s *Service) SessionPermissionLog(id string) ([]models.PermissionRecord, error) {
	return s.store.GetPermissionLog(id)
}

// Abort cancels the in-flight turn, if any.
func (s *Service) Abort() bool {
	return s.broker.Abort()
}

// RespondToPermission resolves the pending permission request by id.
func (s *Service) RespondToPermission(id string, allow bool, answer, message string) error {
	if !s.broker.RespondToPermission(id, allow, answer, message) {
		return ErrStalePending
	}
	return nil
}

// --- Scheduled task operations ---

func (s *Service) ListTasks() ([]models.ScheduledTask, error) {
	return s.store.ListScheduledTasks()
}

func (s *Service) CreateTask(name, prompt, cronExpr string, oneShot bool, startDate string) (*models.ScheduledTask, error) {
	if err := cronexpr.Validate(cronExpr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	task, err := s.store.CreateScheduledTask(name, prompt, cronExpr, oneShot, startDate, models.TaskUser)
	if err != nil {
		return nil, err
	}
	s.scheduler.Sync()
	return task, nil
}

func (s *Service) UpdateTask(id string, upd store.TaskUpdate) error {
	if upd.CronExpr != nil {
		if err := cronexpr.Validate(*upd.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
	}
	if err := s.store.UpdateScheduledTask(id, upd); err != nil {
		return err
	}
	s.scheduler.Sync()
	return nil
}

func (s *Service) DeleteTask(id string) error {
	if err := s.store.RemoveScheduledTask(id); err != nil {
		return err
	}
	s.scheduler.Sync()
	return nil
}

func (s *Service) SchedulerLog() []scheduler.LogEntry {
	return s.scheduler.Log()
}

// --- Config operations ---

func (s *Service) AllConfig() (map[string]string, error) {
	return s.cfg.All()
}

func (s *Service) SetConfig(key, value string) error {
	return s.cfg.Set(key, value)
}

// --- Contact operations ---

func (s *Service) ListContacts() ([]models.Contact, error) {
	return s.store.GetContacts()
}

func (s *Service) AddContact(address, displayName, description string, isOwner bool) error {
	return s.store.AddContact(address, displayName, description, isOwner)
}

func (s *Service) RemoveContact(address string) error {
	return s.store.RemoveContact(address)
}
