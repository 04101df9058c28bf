package main

import (
	"github.com/smallbiznis/creditledger/internal/analytics"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit"
	"github.com/smallbiznis/creditledger/internal/ledger"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/smallbiznis/creditledger/internal/plan"
	"github.com/smallbiznis/creditledger/internal/reconcile"
	"github.com/smallbiznis/creditledger/internal/server"
	"github.com/smallbiznis/creditledger/internal/tenant"
	"github.com/smallbiznis/creditledger/internal/tenantlock"
	"github.com/smallbiznis/creditledger/internal/webhook"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,

		// Ledger core
		tenantlock.Module,
		tenant.Module,
		ledger.Module,
		plan.Module,
		credit.Module,
		analytics.Module,

		// Billing reconciliation
		webhook.Module,
		reconcile.Module,

		server.Module,
	)
	app.Run()
}
