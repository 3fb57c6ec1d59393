// Package policy resolves the effective guardrail rule set for a request.
//
// Rules come from three sources, checked in precedence order:
//
//  1. the Invariant-Guardrails request header, carrying per-request policy
//     text (percent- or unicode-escaped),
//  2. guardrails attached to the target Explorer dataset, fetched with a
//     small TTL cache,
//  3. a gateway-wide policy file named by GUARDRAILS_FILE_PATH.
//
// The first source that yields rules wins. Dataset lookups are fail-soft:
// when Explorer is unreachable the resolver falls back to the most recent
// cached rules for that dataset, then to the file source.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// defaultOwner is the dataset owner segment for metadata lookups; the
// Explorer resolves it from the API key.
const defaultOwner = "me"

// Synthetic rule names for the non-dataset sources.
const (
	headerRuleName = "header-policy"
	fileRuleName   = "file-policy"
)

// ── Resolver ─────────────────────────────────────────────────

type cacheEntry struct {
	rules     *models.GuardrailRuleSet
	fetchedAt time.Time
}

// Resolver determines the guardrail rule set for one request. It implements
// contracts.PolicyResolver.
type Resolver struct {
	traces   contracts.TraceService
	file     *fileSource
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewResolver creates a policy resolver. filePath may be empty; when set,
// the file must be readable at startup.
func NewResolver(traces contracts.TraceService, filePath string, cacheTTL time.Duration) (*Resolver, error) {
	r := &Resolver{
		traces:   traces,
		cacheTTL: cacheTTL,
		cache:    make(map[string]*cacheEntry),
	}
	if filePath != "" {
		file, err := newFileSource(filePath)
		if err != nil {
			return nil, fmt.Errorf("load guardrails file: %w", err)
		}
		r.file = file
		log.Info().Str("path", filePath).Msg("Loaded gateway guardrails file")
	}
	return r, nil
}

// Resolve walks the rule sources in precedence order and returns the first
// non-empty rule set. The result is never nil.
func (r *Resolver) Resolve(ctx context.Context, req contracts.PolicyRequest) (*models.GuardrailRuleSet, error) {
	if req.HeaderPolicy != "" {
		return headerRules(req.HeaderPolicy), nil
	}
	if req.Dataset != "" {
		if rules := r.datasetRules(ctx, req.Dataset, req.APIKey); !rules.Empty() {
			return rules, nil
		}
	}
	if r.file != nil {
		return r.file.Rules(), nil
	}
	return &models.GuardrailRuleSet{}, nil
}

// ── Source 1: Request Header ─────────────────────────────────

// headerRules turns the Invariant-Guardrails header value into a single
// blocking rule. Header policies always block: a caller attaching a policy
// to an individual request wants it enforced, not just logged.
func headerRules(raw string) *models.GuardrailRuleSet {
	return &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{{
			ID:      headerRuleName,
			Name:    headerRuleName,
			Content: decodeHeaderPolicy(raw),
			Enabled: true,
			Action:  models.GuardrailActionBlock,
		}},
	}
}

// decodeHeaderPolicy undoes the escaping clients apply to fit policy text
// into a header value: percent-escapes first, then unicode escapes
// (\n, \t, \uXXXX). Decoding is total; undecodable input passes through.
// PathUnescape rather than QueryUnescape so literal '+' in policy text
// survives.
func decodeHeaderPolicy(raw string) string {
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return unescapeUnicode(raw)
}

func unescapeUnicode(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			i++
			continue
		}
		switch next := s[i+1]; next {
		case 'n':
			b.WriteByte('\n')
			i += 2
		case 't':
			b.WriteByte('\t')
			i += 2
		case 'r':
			b.WriteByte('\r')
			i += 2
		case '"', '\'', '\\':
			b.WriteByte(next)
			i += 2
		case 'u':
			if i+6 <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					b.WriteRune(rune(v))
					i += 6
					continue
				}
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// ── Source 2: Dataset Guardrails ─────────────────────────────

func (r *Resolver) datasetRules(ctx context.Context, dataset, apiKey string) *models.GuardrailRuleSet {
	key := apiKey + "\x00" + dataset

	r.mu.Lock()
	entry, cached := r.cache[key]
	if cached && time.Since(entry.fetchedAt) < r.cacheTTL {
		rules := entry.rules
		r.mu.Unlock()
		return rules
	}
	r.mu.Unlock()

	// The fetch runs unlocked; concurrent misses may fetch twice, which
	// only refreshes the cache twice.
	metadata, err := r.traces.GetDatasetMetadata(ctx, defaultOwner, dataset, apiKey)
	if err != nil {
		if cached {
			log.Warn().Str("dataset", dataset).Err(err).
				Msg("Dataset metadata fetch failed, using cached guardrails")
			return entry.rules
		}
		log.Warn().Str("dataset", dataset).Err(err).
			Msg("Dataset metadata fetch failed, continuing without dataset guardrails")
		return &models.GuardrailRuleSet{}
	}

	rules := rulesFromMetadata(metadata)
	r.mu.Lock()
	r.cache[key] = &cacheEntry{rules: rules, fetchedAt: time.Now()}
	r.mu.Unlock()
	return rules
}

// rulesFromMetadata extracts and partitions the guardrails list carried on
// dataset metadata. Rules with the block action go to the blocking group;
// log and paused rules go to the logging group, where the evaluation
// client skips paused ones.
func rulesFromMetadata(metadata map[string]interface{}) *models.GuardrailRuleSet {
	out := &models.GuardrailRuleSet{}
	raw, ok := metadata["guardrails"]
	if !ok {
		return out
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	var rules []models.Guardrail
	if err := json.Unmarshal(data, &rules); err != nil {
		log.Warn().Err(err).Msg("Malformed guardrails in dataset metadata")
		return out
	}
	for _, rule := range rules {
		if rule.Action == models.GuardrailActionBlock {
			out.Blocking = append(out.Blocking, rule)
		} else {
			out.Logging = append(out.Logging, rule)
		}
	}
	return out
}

// ── Source 3: Policy File ────────────────────────────────────

// fileSource serves the gateway-wide policy file, reloading it when its
// modification time changes.
type fileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	rules   *models.GuardrailRuleSet
}

func newFileSource(path string) (*fileSource, error) {
	f := &fileSource{path: path}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := f.load(info.ModTime()); err != nil {
		return nil, err
	}
	return f, nil
}

// Rules returns the file's rule set, reloading first if the file changed.
// A failed reload keeps serving the last good rules.
func (f *fileSource) Rules() *models.GuardrailRuleSet {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		log.Warn().Str("path", f.path).Err(err).Msg("Guardrails file stat failed, keeping loaded rules")
		return f.rules
	}
	if info.ModTime() != f.modTime {
		if err := f.load(info.ModTime()); err != nil {
			log.Warn().Str("path", f.path).Err(err).Msg("Guardrails file reload failed, keeping loaded rules")
		} else {
			log.Info().Str("path", f.path).Msg("Reloaded gateway guardrails file")
		}
	}
	return f.rules
}

// load reads the file and replaces the rule set. Callers hold f.mu (or, at
// startup, exclusive ownership).
func (f *fileSource) load(modTime time.Time) error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	f.modTime = modTime
	text := strings.TrimSpace(string(content))
	if text == "" {
		f.rules = &models.GuardrailRuleSet{}
		return nil
	}
	f.rules = &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{{
			ID:      fileRuleName,
			Name:    fileRuleName,
			Content: text,
			Enabled: true,
			Action:  models.GuardrailActionBlock,
		}},
	}
	return nil
}
