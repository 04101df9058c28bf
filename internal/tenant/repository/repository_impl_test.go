package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/tenant/domain"
	"github.com/smallbiznis/creditledger/internal/tenant/repository"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestCreateAndFind(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	repo := repository.Provide()
	ctx := context.Background()

	customer := "cus_1"
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tenant := &domain.Tenant{
		ID:                 node.Generate(),
		Name:               " Acme ",
		CreditBalance:      500,
		MonthlyCreditLimit: 10_000,
		Plan:               "starter",
		ProviderCustomerID: &customer,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, repo.Create(ctx, db, tenant))

	found, err := repo.FindByID(ctx, db, tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "Acme", found.Name)
	require.Equal(t, int64(500), found.CreditBalance)

	byCustomer, err := repo.FindByProviderCustomerID(ctx, db, " cus_1 ")
	require.NoError(t, err)
	require.NotNil(t, byCustomer)
	require.Equal(t, tenant.ID, byCustomer.ID)

	missing, err := repo.FindByID(ctx, db, node.Generate())
	require.NoError(t, err)
	require.Nil(t, missing)

	dup := *tenant
	dup.ID = node.Generate()
	require.ErrorIs(t, repo.Create(ctx, db, &dup), domain.ErrAlreadyExists)
}

func TestCreateValidates(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	repo := repository.Provide()
	ctx := context.Background()

	require.ErrorIs(t, repo.Create(ctx, db, nil), domain.ErrInvalidTenant)
	require.ErrorIs(t, repo.Create(ctx, db, &domain.Tenant{ID: node.Generate(), Plan: "starter"}), domain.ErrInvalidName)
	require.ErrorIs(t, repo.Create(ctx, db, &domain.Tenant{ID: node.Generate(), Name: "x"}), domain.ErrInvalidPlan)
	require.Zero(t, testutil.Count(t, db, `SELECT COUNT(1) FROM tenants`))
}

func TestApplyPlanKeepsFirstCustomer(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	repo := repository.Provide()
	ctx := context.Background()

	id := node.Generate()
	testutil.SeedTenant(t, db, id, "starter", 0, 10_000)

	first, second, sub := "cus_a", "cus_b", "sub_1"
	renews := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	ok, err := repo.ApplyPlan(ctx, db, id, domain.PlanChange{
		Plan:               "pro",
		MonthlyCreditLimit: 100_000,
		SubscriptionID:     &sub,
		CustomerID:         &first,
		RenewsAt:           &renews,
		UpdatedAt:          renews,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ApplyPlan(ctx, db, id, domain.PlanChange{Plan: "starter", MonthlyCreditLimit: 10_000, CustomerID: &second, UpdatedAt: renews})
	require.NoError(t, err)
	require.True(t, ok)

	tenant, err := repo.FindByID(ctx, db, id)
	require.NoError(t, err)
	require.Equal(t, "starter", tenant.Plan)
	require.Nil(t, tenant.ProviderSubscriptionID)
	require.NotNil(t, tenant.ProviderCustomerID)
	require.Equal(t, "cus_a", *tenant.ProviderCustomerID)

	ok, err = repo.ApplyPlan(ctx, db, node.Generate(), domain.PlanChange{Plan: "pro", UpdatedAt: renews})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListIDsPages(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	repo := repository.Provide()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		testutil.SeedTenant(t, db, node.Generate(), "starter", 0, 0)
	}

	page, err := repo.ListIDs(ctx, db, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Less(t, int64(page[0]), int64(page[1]))

	rest, err := repo.ListIDs(ctx, db, page[1], 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}
