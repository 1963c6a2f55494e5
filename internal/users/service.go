package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Registrar creates accounts. *auth.Service satisfies it.
type Registrar interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
}

// Service handles account administration.
type Service struct {
	repo      RepositoryPort
	registrar Registrar
	notifier  rbac.Notifier
	audit     rbac.AuditRecorder
	logger    *slog.Logger
}

// NewService builds Service instance. notifier and audit may be nil.
func NewService(repo RepositoryPort, registrar Registrar, notifier rbac.Notifier, audit rbac.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, registrar: registrar, notifier: notifier, audit: audit, logger: logger}
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}

// CreateUser registers an account on behalf of actor.
func (s *Service) CreateUser(ctx context.Context, actor uuid.UUID, email, password string) (User, error) {
	created, err := s.registrar.Register(ctx, email, password)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		return User{}, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, auth.ErrWeakPassword):
		return User{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case err != nil:
		return User{}, err
	}
	s.record(ctx, actor, "user.create", created.ID, nil)
	return User{
		ID:        created.ID,
		Email:     created.Email,
		IsActive:  created.IsActive,
		Roles:     []string{},
		CreatedAt: created.CreatedAt,
		UpdatedAt: created.UpdatedAt,
	}, nil
}

// SetActive enables or disables sign-in for id. Role and permission lookups
// skip inactive accounts, so running engines are told to reload.
func (s *Service) SetActive(ctx context.Context, actor, id uuid.UUID, active bool) error {
	if id == actor && !active {
		return fmt.Errorf("%w: cannot deactivate own account", httpx.ErrValidation)
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.record(ctx, actor, "user.set_active", id, map[string]any{"active": active})
	if s.notifier != nil {
		if err := s.notifier.PublishIdentity(ctx, id); err != nil {
			s.logger.Warn("notify user change", slog.String("identity_id", id.String()), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor uuid.UUID, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor, Action: action, Entity: "user", EntityID: id.String(), Meta: meta}); err != nil {
		s.logger.Warn("audit user change", slog.String("action", action), slog.Any("error", err))
	}
}
