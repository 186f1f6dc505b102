// Package governance holds the runtime safety controls of the enhancement
// core: multi-scope token-bucket admission, circuit breaking of the language
// model upstream, and the bounded retry/deadline helpers used around strategy
// dispatch.
//
// Every primitive here is safe for concurrent use and keeps its locks scoped to
// a single bucket or breaker, so unrelated principals and models never contend.
package governance
