package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "enhance/authz/decision").
	Entrypoint string
	// Modules contains the Rego modules to load. Empty selects DefaultModule.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache. Zero selects the default
	// size; negative disables caching.
	CacheMaxEntries int
	// RestrictedStrategies require an "enhance:<strategy>" permission.
	RestrictedStrategies []domain.StrategyID
	Logger               *slog.Logger
}

// Engine evaluates policy decisions using an embedded OPA instance.
type Engine struct {
	entrypoint string
	restricted []string
	prepared   rego.PreparedEvalQuery
	cache      *decisionCache
	logger     *slog.Logger
}

const defaultCacheCapacity = 1024

// NewEngine parses and compiles the modules once. Compilation errors are
// returned here rather than on first evaluation.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"enhance_authz.rego": DefaultModule}
		if entry == "" {
			entry = DefaultEntrypoint
		}
	}
	if entry == "" {
		return nil, errors.New("policy engine requires an entrypoint")
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	maxEntries := opts.CacheMaxEntries
	if maxEntries == 0 {
		maxEntries = defaultCacheCapacity
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	restricted := make([]string, 0, len(opts.RestrictedStrategies))
	for _, s := range opts.RestrictedStrategies {
		restricted = append(restricted, string(s))
	}
	sort.Strings(restricted)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		entrypoint: entry,
		restricted: restricted,
		prepared:   prepared,
		cache:      cache,
		logger:     logger,
	}, nil
}

// Evaluate runs the policy for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	key, cacheable := e.cacheKey(input)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			return cloneDecision(cached), nil
		}
	}

	strategies := make([]string, 0, len(input.Strategies))
	for _, s := range input.Strategies {
		strategies = append(strategies, string(s))
	}
	payload := map[string]any{
		"principal": map[string]any{
			"id":             input.Principal.PrincipalID,
			"source_address": input.Principal.SourceAddress,
			"permissions":    stringsOrEmpty(input.Principal.Permissions),
			"risk_flags":     stringsOrEmpty(input.Principal.RiskFlags),
		},
		"mode":                  string(input.Mode),
		"hardened":              input.Mode.IsHardened(),
		"strategies":            strategies,
		"restricted_strategies": e.restricted,
		"document_bytes":        input.DocumentBytes,
		"findings":              cloneAnyMap(input.Findings),
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision := Decision{Action: ActionAllow, Metadata: map[string]string{}}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		raw, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
		}
		if decision.Action, err = parseAction(raw["action"]); err != nil {
			return Decision{}, err
		}
		decision.Reason, _ = raw["reason"].(string)
		decision.Metadata = parseMetadata(raw["metadata"])
	}

	e.logger.Debug("policy evaluated",
		"entrypoint", e.entrypoint,
		"principal", input.Principal.PrincipalID,
		"mode", input.Mode,
		"action", decision.Action)

	if cacheable {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// CacheLen returns the number of cached decisions.
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

// cacheKey digests every input field the policy can observe. Findings make a
// request uncacheable because they vary per document.
func (e *Engine) cacheKey(input Input) (string, bool) {
	if e.cache == nil || input.DisableCache || len(input.Findings) > 0 {
		return "", false
	}
	if strings.TrimSpace(input.Principal.PrincipalID) == "" {
		return "", false
	}

	strategies := make([]string, 0, len(input.Strategies))
	for _, s := range input.Strategies {
		strategies = append(strategies, string(s))
	}

	h := sha256.New()
	writeCacheKeyField(h, e.entrypoint)
	writeCacheKeyField(h, input.Generation)
	writeCacheKeyField(h, input.Principal.PrincipalID)
	writeCacheKeyField(h, input.Principal.SourceAddress)
	writeCacheKeyField(h, string(input.Mode))
	writeCacheKeyList(h, input.Principal.Permissions)
	writeCacheKeyList(h, input.Principal.RiskFlags)
	writeCacheKeyList(h, strategies)
	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a length-prefixed field so that no two distinct
// field sequences share an encoding.
func writeCacheKeyField(h hash.Hash, value string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
	h.Write(lenBuf[:])
	h.Write([]byte(value))
}

func writeCacheKeyList(h hash.Hash, values []string) {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	writeCacheKeyField(h, fmt.Sprint(len(sorted)))
	for _, v := range sorted {
		writeCacheKeyField(h, v)
	}
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Action:   dec.Action,
		Reason:   dec.Reason,
		Metadata: cloneStringMap(dec.Metadata),
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return "", fmt.Errorf("opa decision: unknown action %q", text)
	}
}

func parseMetadata(value any) map[string]string {
	result := map[string]string{}
	typed, ok := value.(map[string]any)
	if !ok {
		return result
	}
	for key, raw := range typed {
		if str, ok := raw.(string); ok {
			result[key] = str
		}
	}
	return result
}
