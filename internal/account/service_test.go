// AngelaMos | 2026
// service_test.go

package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secpilot/backend/internal/core"
)

type fakeRepo struct {
	accounts map[string]*Account
	deleted  []string
}

func newFakeRepo(accounts ...*Account) *fakeRepo {
	r := &fakeRepo{accounts: make(map[string]*Account)}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeRepo) Create(_ context.Context, account *Account) error {
	for _, a := range r.accounts {
		if a.Email == account.Email {
			return core.ErrDuplicateKey
		}
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return a, nil
}

func (r *fakeRepo) GetByEmail(
	_ context.Context,
	email string,
) (*Account, error) {
	for _, a := range r.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeRepo) FindIDByEmail(
	_ context.Context,
	email string,
) (string, error) {
	a, err := r.GetByEmail(context.Background(), email)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (r *fakeRepo) UpdateRole(
	_ context.Context,
	id, role string,
) (*Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	a.Role = role
	return a, nil
}

func (r *fakeRepo) UpdatePassword(
	_ context.Context,
	id, passwordHash string,
) error {
	a, ok := r.accounts[id]
	if !ok {
		return core.ErrNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

func (r *fakeRepo) IncrementTokenVersion(_ context.Context, id string) error {
	a, ok := r.accounts[id]
	if !ok {
		return core.ErrNotFound
	}
	a.TokenVersion++
	return nil
}

func (r *fakeRepo) SoftDelete(_ context.Context, id string) error {
	if _, ok := r.accounts[id]; !ok {
		return core.ErrNotFound
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRepo) List(
	_ context.Context,
	_ ListAccountsParams,
) ([]Account, int, error) {
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	return out, len(out), nil
}

func (r *fakeRepo) ExistsByEmail(
	ctx context.Context,
	email string,
) (bool, error) {
	_, err := r.GetByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type fakeProvisioner struct {
	provisioned []string
	err         error
}

func (p *fakeProvisioner) ProvisionFree(
	_ context.Context,
	accountID string,
) error {
	if p.err != nil {
		return p.err
	}
	p.provisioned = append(p.provisioned, accountID)
	return nil
}

type fakePlanSource struct {
	plans map[string]string
	err   error
}

func (p *fakePlanSource) PlanNameForAccount(
	_ context.Context,
	accountID string,
) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.plans[accountID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateProvisionsFreeSubscription(t *testing.T) {
	repo := newFakeRepo()
	provisioner := &fakeProvisioner{}

	svc := NewService(repo, testLogger())
	svc.SetBilling(provisioner, &fakePlanSource{})

	info, err := svc.Create(
		context.Background(),
		"Owner@Example.com",
		"hash",
		"Owner",
	)
	require.NoError(t, err)

	assert.Equal(t, "owner@example.com", info.Email)
	assert.Equal(t, []string{info.ID}, provisioner.provisioned)
}

func TestCreateFailsWhenProvisioningFails(t *testing.T) {
	repo := newFakeRepo()
	provisioner := &fakeProvisioner{err: errors.New("db down")}

	svc := NewService(repo, testLogger())
	svc.SetBilling(provisioner, &fakePlanSource{})

	_, err := svc.Create(
		context.Background(),
		"owner@example.com",
		"hash",
		"Owner",
	)
	assert.Error(t, err)
}

func TestPlanForDefaultsToFree(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testLogger())

	// billing not wired yet
	assert.Equal(t, "free", svc.PlanFor(context.Background(), "acct-1"))

	svc.SetBilling(&fakeProvisioner{}, &fakePlanSource{
		err: errors.New("lookup failed"),
	})
	assert.Equal(t, "free", svc.PlanFor(context.Background(), "acct-1"))

	svc.SetBilling(&fakeProvisioner{}, &fakePlanSource{
		plans: map[string]string{"acct-1": "team"},
	})
	assert.Equal(t, "team", svc.PlanFor(context.Background(), "acct-1"))
}

func TestCanDeleteAccount(t *testing.T) {
	repo := newFakeRepo(
		&Account{ID: "adm", Email: "a@x.com", Role: RoleAdmin},
		&Account{ID: "adm2", Email: "a2@x.com", Role: RoleAdmin},
		&Account{ID: "usr", Email: "u@x.com", Role: RoleUser},
		&Account{ID: "oth", Email: "o@x.com", Role: RoleUser},
	)
	svc := NewService(repo, testLogger())

	tests := []struct {
		name      string
		requester string
		target    string
		wantErr   error
	}{
		{"self deletion allowed", "usr", "usr", nil},
		{"admin deletes user", "adm", "usr", nil},
		{"user cannot delete another user", "usr", "oth", core.ErrForbidden},
		{"admins cannot be deleted", "adm", "adm2", core.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.CanDeleteAccount(
				context.Background(),
				tt.requester,
				tt.target,
			)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestUpdateRoleRejectsUnknownRole(t *testing.T) {
	repo := newFakeRepo(&Account{ID: "usr", Role: RoleUser})
	svc := NewService(repo, testLogger())

	_, err := svc.UpdateRole(context.Background(), "usr", "superuser")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	updated, err := svc.UpdateRole(context.Background(), "usr", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, updated.Role)
}

func TestFindIDByBillingEmailNormalizesCase(t *testing.T) {
	repo := newFakeRepo(&Account{ID: "usr", Email: "owner@example.com"})
	svc := NewService(repo, testLogger())

	id, err := svc.FindIDByBillingEmail(
		context.Background(),
		"Owner@Example.COM",
	)
	require.NoError(t, err)
	assert.Equal(t, "usr", id)
}
