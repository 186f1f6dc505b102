package policy

// DefaultEntrypoint is the decision path of DefaultModule.
const DefaultEntrypoint = "enhance/authz/decision"

// DefaultModule blocks suspended principals, requires the enhance permission
// in hardened modes and rejects restricted strategies without an explicit
// grant.
const DefaultModule = `package enhance.authz

import rego.v1

default decision := {"action": "allow"}

decision := {"action": "block", "reason": concat("; ", sort(deny))} if count(deny) > 0

permitted(_) if "*" in input.principal.permissions

permitted(p) if p in input.principal.permissions

deny contains "principal is suspended" if "suspended" in input.principal.risk_flags

deny contains "principal lacks the enhance permission" if {
	input.hardened
	not permitted("enhance")
}

deny contains msg if {
	input.mode == "enterprise"
	"untrusted_source" in input.principal.risk_flags
	msg := "untrusted source in enterprise mode"
}

deny contains msg if {
	some s in input.strategies
	s in input.restricted_strategies
	not permitted(concat(":", ["enhance", s]))
	msg := sprintf("strategy %s requires an explicit grant", [s])
}
`
