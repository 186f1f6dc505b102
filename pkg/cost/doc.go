// Package cost enforces monetary ceilings on strategy dispatch.
//
// Every dispatch reserves its estimated cost before the upstream call and
// settles the actual cost afterwards. A reservation that would push any
// covered account past its ceiling is refused as a whole, so concurrent
// requests cannot collectively overspend between check and charge.
//
// Accounts are either per-request (RequestBudget) or long-lived scopes whose
// spend accumulates over calendar windows in UTC and is persisted through a
// Ledger.
package cost
