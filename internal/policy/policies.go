package policy

import "sort"

// Built-in template names
const (
	TemplateAllowAll       = "allow-all"
	TemplateNoDataLoss     = "no-forced-data-loss"
	TemplateStrict         = "strict"
	TemplateProtectedZones = "protected-zones"
)

// Template is a built-in override module
type Template struct {
	Name        string
	Description string
	Module      string
}

// Templates contains the built-in override modules
var Templates = map[string]*Template{
	TemplateAllowAll: {
		Name:        TemplateAllowAll,
		Description: "Admit every override the operator asks for",
		Module: `
package overrides

import rego.v1

default allow := true
`,
	},

	TemplateNoDataLoss: {
		Name:        TemplateNoDataLoss,
		Description: "Refuse forced failovers that accept data loss",
		Module: `
package overrides

import rego.v1

default allow := false

allow if not input.data_loss

reason contains "forced failover would lose acknowledged writes" if input.data_loss
`,
	},

	TemplateStrict: {
		Name:        TemplateStrict,
		Description: "Refuse data loss, primary RF reduction and forced execution over structural violations",
		Module: `
package overrides

import rego.v1

structural contains v if {
	some v in input.violations
	not startswith(v, "OfflineZone")
	not startswith(v, "RMIFailed")
}

reason contains "forced failover would lose acknowledged writes" if input.data_loss

reason contains "primary replication factor reduction is not allowed" if input.allow_rf_reduction

reason contains "forced execution over structural violations is not allowed" if {
	input.force
	count(structural) > 0
}

default allow := false

allow if count(reason) == 0
`,
	},

	TemplateProtectedZones: {
		Name:        TemplateProtectedZones,
		Description: "Refuse overrides touching zones listed in data.protected_zones",
		Module: `
package overrides

import rego.v1

protected contains z if {
	some z in input.zones
	some p in data.protected_zones
	z == p
}

reason contains sprintf("zone %s is protected", [z]) if some z in protected

default allow := false

allow if count(protected) == 0
`,
	},
}

// GetTemplate returns a copy of a built-in template
func GetTemplate(name string) (*Template, bool) {
	tmpl, ok := Templates[name]
	if !ok {
		return nil, false
	}
	c := *tmpl
	return &c, true
}

// ListTemplates returns the built-in template names in order
func ListTemplates() []string {
	names := make([]string, 0, len(Templates))
	for name := range Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
