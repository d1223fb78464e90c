package e2e

import (
	"github.com/cucumber/godog"

	"delegation-broker/e2e/steps/audit"
	"delegation-broker/e2e/steps/common"
	"delegation-broker/e2e/steps/exchange"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Register common steps (background, generic requests, assertions)
	common.RegisterSteps(ctx, tc)

	// Register token exchange steps
	exchange.RegisterSteps(ctx, tc)

	// Register audit log steps
	audit.RegisterSteps(ctx, tc)
}
