// Package engine runs enhancement requests.
//
// Architecture:
//
// profile.go      - Profile resolution from an OperationMode plus overrides
// orchestrator.go - Orchestrator: admission, screening, cache, dispatch, aggregation
// manager.go      - Manager: per-mode routing and whole-generation swaps
//
// An Orchestrator owns its cache, limiter, breakers and worker budget. Nothing
// is mutated after construction; reconfiguration builds new orchestrators and
// swaps them into the Manager.
package engine
