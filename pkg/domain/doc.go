// Package domain defines the core types shared by the enhancement control plane.
//
// This package contains pure domain logic with no external dependencies outside the
// Go standard library. The orchestration engine, cache, governance, security and
// cost packages all depend on these types; the dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Collaborator contracts (document store, audit sink) are declared here so that
// concrete implementations can be swapped in main.go without touching the engine.
package domain
