// AngelaMos | 2026
// service.go

package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/secpilot/backend/internal/auth"
	"github.com/secpilot/backend/internal/core"
)

// SubscriptionProvisioner creates the default subscription row for a new
// account. Implemented by the billing service and injected after both
// services exist.
type SubscriptionProvisioner interface {
	ProvisionFree(ctx context.Context, accountID string) error
}

// PlanSource resolves the current plan name for an account. Implemented
// by the billing service.
type PlanSource interface {
	PlanNameForAccount(ctx context.Context, accountID string) (string, error)
}

type Service struct {
	repo        Repository
	provisioner SubscriptionProvisioner
	plans       PlanSource
	logger      *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SetBilling wires the billing-side collaborators. Called once during
// startup after the billing service is constructed.
func (s *Service) SetBilling(
	provisioner SubscriptionProvisioner,
	plans PlanSource,
) {
	s.provisioner = provisioner
	s.plans = plans
}

func (s *Service) GetByID(
	ctx context.Context,
	id string,
) (*auth.AccountInfo, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.toAccountInfo(ctx, account), nil
}

func (s *Service) GetByEmail(
	ctx context.Context,
	email string,
) (*auth.AccountInfo, error) {
	account, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return nil, err
	}

	return s.toAccountInfo(ctx, account), nil
}

func (s *Service) Create(
	ctx context.Context,
	email, passwordHash, name string,
) (*auth.AccountInfo, error) {
	account := &Account{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(email),
		PasswordHash: passwordHash,
		Name:         name,
		Role:         RoleUser,
	}

	if err := s.repo.Create(ctx, account); err != nil {
		return nil, err
	}

	if s.provisioner != nil {
		if err := s.provisioner.ProvisionFree(ctx, account.ID); err != nil {
			return nil, fmt.Errorf("provision subscription: %w", err)
		}
	}

	return s.toAccountInfo(ctx, account), nil
}

func (s *Service) IncrementTokenVersion(
	ctx context.Context,
	accountID string,
) error {
	return s.repo.IncrementTokenVersion(ctx, accountID)
}

func (s *Service) UpdatePassword(
	ctx context.Context,
	accountID, passwordHash string,
) error {
	return s.repo.UpdatePassword(ctx, accountID, passwordHash)
}

// FindIDByBillingEmail resolves an account by the email the billing
// provider reports for a customer. Used when a webhook arrives for a
// customer id we have not stored yet.
func (s *Service) FindIDByBillingEmail(
	ctx context.Context,
	email string,
) (string, error) {
	return s.repo.FindIDByEmail(ctx, strings.ToLower(email))
}

// BillingEmail returns the email the billing provider should know this
// account by. The account email is the billing email.
func (s *Service) BillingEmail(
	ctx context.Context,
	accountID string,
) (string, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	return account.Email, nil
}

func (s *Service) GetAccount(
	ctx context.Context,
	id string,
) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateRole(
	ctx context.Context,
	id, role string,
) (*Account, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, fmt.Errorf(
			"update role: invalid role %q: %w",
			role,
			core.ErrInvalidInput,
		)
	}

	return s.repo.UpdateRole(ctx, id, role)
}

func (s *Service) ListAccounts(
	ctx context.Context,
	params ListAccountsParams,
) ([]Account, int, error) {
	return s.repo.List(ctx, params)
}

func (s *Service) GetMe(
	ctx context.Context,
	accountID string,
) (*Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("get me: %w", core.ErrUnauthorized)
	}

	return s.repo.GetByID(ctx, accountID)
}

func (s *Service) DeleteMe(ctx context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("delete me: %w", core.ErrUnauthorized)
	}

	return s.repo.SoftDelete(ctx, accountID)
}

func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	return s.repo.SoftDelete(ctx, id)
}

func (s *Service) EmailExists(
	ctx context.Context,
	email string,
) (bool, error) {
	return s.repo.ExistsByEmail(ctx, strings.ToLower(email))
}

func (s *Service) CanDeleteAccount(
	ctx context.Context,
	requesterID, targetID string,
) error {
	if requesterID == targetID {
		return nil
	}

	requester, err := s.repo.GetByID(ctx, requesterID)
	if err != nil {
		return err
	}

	if !requester.IsAdmin() {
		return fmt.Errorf("delete account: %w", core.ErrForbidden)
	}

	target, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if target.IsAdmin() {
		return fmt.Errorf(
			"cannot delete admin accounts: %w",
			core.ErrForbidden,
		)
	}

	return nil
}

// PlanFor returns the plan name for an account, defaulting to free when
// the billing side has no answer. Token minting must not fail because a
// subscription row is missing.
func (s *Service) PlanFor(ctx context.Context, accountID string) string {
	if s.plans == nil {
		return "free"
	}

	plan, err := s.plans.PlanNameForAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("plan lookup failed, defaulting to free",
			"account_id", accountID,
			"error", err,
		)
		return "free"
	}

	return plan
}

func (s *Service) toAccountInfo(
	ctx context.Context,
	a *Account,
) *auth.AccountInfo {
	return &auth.AccountInfo{
		ID:           a.ID,
		Email:        a.Email,
		Name:         a.Name,
		PasswordHash: a.PasswordHash,
		Role:         a.Role,
		Plan:         s.PlanFor(ctx, a.ID),
		TokenVersion: a.TokenVersion,
	}
}

var _ auth.AccountProvider = (*Service)(nil)
