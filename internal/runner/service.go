package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// DefaultContactInterval is how stale last_contact must be before a request refreshes it
const DefaultContactInterval = 30 * time.Second

// Store persists runners and registration tokens
type Store interface {
	CreateRegistrationToken(ctx context.Context, token string) (*domain.RunnerRegistrationToken, error)
	GetRegistrationToken(ctx context.Context, token string) (*domain.RunnerRegistrationToken, error)
	ListRegistrationTokens(ctx context.Context, opts ListOptions) ([]*domain.RunnerRegistrationToken, int, error)
	DeleteRegistrationToken(ctx context.Context, id int64) error

	Create(ctx context.Context, runner *domain.Runner) (*domain.Runner, error)
	Get(ctx context.Context, id int64) (*domain.Runner, error)
	GetByToken(ctx context.Context, runnerToken string) (*domain.Runner, error)
	List(ctx context.Context, opts ListOptions) ([]*domain.Runner, int, error)
	Delete(ctx context.Context, id int64) error
	// TouchLastContact refreshes last_contact and ip when last_contact is older than staleBefore.
	// It reports whether a row was updated.
	TouchLastContact(ctx context.Context, id int64, ip string, now, staleBefore time.Time) (bool, error)
}

// ListOptions is a validated admin listing request
type ListOptions struct {
	domain.Pagination
	Sort domain.Sort
}

// Sortable fields of admin listings
var (
	RunnerSortFields            = []string{"createdAt", "name", "lastContact"}
	RegistrationTokenSortFields = []string{"createdAt"}
)

// RegisterRequest carries the fields a runner sends when redeeming a registration token
type RegisterRequest struct {
	RegistrationToken string
	Name              string
	Description       *string
	IP                string
}

// Service manages runner identities
type Service struct {
	store           Store
	logger          *slog.Logger
	contactInterval time.Duration
	now             func() time.Time
}

func NewService(store Store, contactInterval time.Duration, logger *slog.Logger) *Service {
	if contactInterval <= 0 {
		contactInterval = DefaultContactInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Service{
		store:           store,
		logger:          logger,
		contactInterval: contactInterval,
		now:             time.Now,
	}
}

func newSecret(prefix string) string {
	return prefix + uuid.NewString()
}

// Register redeems a registration token. The returned runner carries its token, which is never
// readable again through the API.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Runner, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 1 || n > domain.RunnerNameMaxLength {
		return nil, domain.ErrInvalidRunnerName
	}
	if req.Description != nil {
		if n := utf8.RuneCountInString(*req.Description); n < 1 || n > domain.RunnerDescriptionMaxLength {
			return nil, domain.ErrInvalidRunnerDescription
		}
	}

	regToken, err := s.store.GetRegistrationToken(ctx, req.RegistrationToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	runner, err := s.store.Create(ctx, &domain.Runner{
		RunnerToken:               newSecret(domain.RunnerTokenPrefix),
		Name:                      name,
		Description:               req.Description,
		IP:                        req.IP,
		LastContact:               now,
		RunnerRegistrationTokenID: regToken.ID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Runner registered",
		slog.Int64("runner_id", runner.ID),
		slog.String("runner_name", runner.Name),
		slog.String("ip", runner.IP),
	)

	return runner, nil
}

// Unregister lets a runner remove itself
func (s *Service) Unregister(ctx context.Context, runnerToken string) error {
	runner, err := s.store.GetByToken(ctx, runnerToken)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, runner.ID); err != nil {
		return err
	}

	s.logger.Info("Runner unregistered", slog.Int64("runner_id", runner.ID), slog.String("runner_name", runner.Name))
	return nil
}

// Delete removes a runner on behalf of an administrator. Jobs it was processing keep their state
// and lose their runner; nothing requeues them.
func (s *Service) Delete(ctx context.Context, id int64) error {
	runner, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, runner.ID); err != nil {
		return err
	}

	s.logger.Info("Runner deleted", slog.Int64("runner_id", runner.ID), slog.String("runner_name", runner.Name))
	return nil
}

// List returns a page of runners and the total count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*domain.Runner, int, error) {
	if err := opts.Pagination.Validate(); err != nil {
		return nil, 0, err
	}
	return s.store.List(ctx, opts)
}

// Authenticate resolves a runner token. Each authenticated call counts as a contact, which is
// the only liveness signal a runner gives.
func (s *Service) Authenticate(ctx context.Context, runnerToken, ip string) (*domain.Runner, error) {
	if runnerToken == "" {
		return nil, domain.ErrInvalidRunnerToken
	}

	runner, err := s.store.GetByToken(ctx, runnerToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if now.Sub(runner.LastContact) < s.contactInterval {
		return runner, nil
	}

	touched, err := s.store.TouchLastContact(ctx, runner.ID, ip, now, now.Add(-s.contactInterval))
	if err != nil {
		// Liveness bookkeeping never fails the request
		s.logger.Warn("Failed to update runner last contact",
			slog.Int64("runner_id", runner.ID),
			slog.Any("error", err),
		)
		return runner, nil
	}
	if touched {
		runner.LastContact = now
		runner.IP = ip
	}

	return runner, nil
}

// GenerateRegistrationToken issues a new reusable registration token
func (s *Service) GenerateRegistrationToken(ctx context.Context) (*domain.RunnerRegistrationToken, error) {
	token, err := s.store.CreateRegistrationToken(ctx, newSecret(domain.RegistrationTokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration token: %w", err)
	}

	s.logger.Info("Runner registration token generated", slog.Int64("registration_token_id", token.ID))
	return token, nil
}

// ListRegistrationTokens returns a page of registration tokens with their registered runner count
func (s *Service) ListRegistrationTokens(ctx context.Context, opts ListOptions) ([]*domain.RunnerRegistrationToken, int, error) {
	if err := opts.Pagination.Validate(); err != nil {
		return nil, 0, err
	}
	return s.store.ListRegistrationTokens(ctx, opts)
}

// DeleteRegistrationToken removes a registration token and every runner registered with it
func (s *Service) DeleteRegistrationToken(ctx context.Context, id int64) error {
	if err := s.store.DeleteRegistrationToken(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Runner registration token deleted", slog.Int64("registration_token_id", id))
	return nil
}
