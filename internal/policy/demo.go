package policy

import (
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// DemoVersion identifies the built-in catalogue.
const DemoVersion = "progear-demo"

// Demo returns the ProGear catalogue: four MCP servers and three groups.
// Sales staff read everything and may quote and order; warehouse staff own
// inventory; finance owns pricing.
func Demo() (*Snapshot, error) {
	targets := []TargetDomain{
		{ID: "sales", Name: "ProGear Sales MCP", Audience: "api://progear-sales",
			Scopes: scope.New("sales:read", "sales:quote", "sales:order")},
		{ID: "inventory", Name: "ProGear Inventory MCP", Audience: "api://progear-inventory",
			Scopes: scope.New("inventory:read", "inventory:write", "inventory:alert")},
		{ID: "customer", Name: "ProGear Customer MCP", Audience: "api://progear-customer",
			Scopes: scope.New("customer:read", "customer:lookup", "customer:history")},
		{ID: "pricing", Name: "ProGear Pricing MCP", Audience: "api://progear-pricing",
			Scopes: scope.New("pricing:read", "pricing:margin", "pricing:discount")},
	}

	const (
		sales     id.GroupID = "ProGear-Sales"
		warehouse id.GroupID = "ProGear-Warehouse"
		finance   id.GroupID = "ProGear-Finance"
	)
	rules := []Rule{
		{Target: "sales", Group: sales, Scopes: scope.New("sales:read", "sales:quote", "sales:order")},
		{Target: "inventory", Group: sales, Scopes: scope.New("inventory:read")},
		{Target: "customer", Group: sales, Scopes: scope.New("customer:read", "customer:lookup")},
		{Target: "pricing", Group: sales, Scopes: scope.New("pricing:read")},

		{Target: "inventory", Group: warehouse, Scopes: scope.New("inventory:read", "inventory:write", "inventory:alert")},

		{Target: "pricing", Group: finance, Scopes: scope.New("pricing:read", "pricing:margin", "pricing:discount")},
	}
	return NewSnapshot(DemoVersion, targets, rules)
}
