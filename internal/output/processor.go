// Package output turns raw tool output into structured findings through
// three tiers: a deterministic parser registry, LLM distillation, and raw
// truncation as the floor.
package output

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberred/cyberred/internal/models"
)

// ParseFunc is the tier-1 parser contract. ErrorType is non-empty when the
// run failed, letting parsers extract partial data from failed output.
type ParseFunc func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error)

// Summarizer is the LLM surface tier 2 needs. The gateway satisfies it.
type Summarizer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Clock supplies trusted timestamps for minted findings.
type Clock interface {
	NowISO() string
}

// ProcessedOutput is the result of processing one tool run.
type ProcessedOutput struct {
	Findings     []*models.Finding
	Summary      string
	RawTruncated string
	Tier         int
}

// Request carries everything the processor needs for one run.
type Request struct {
	Stdout    string
	Stderr    string
	Tool      string
	ExitCode  int
	AgentID   string
	Target    string
	ErrorType string
}

const tier2PromptTemplate = `Analyze the following security tool output and extract findings.

Tool: %s
Exit Code: %d
%sSTDOUT:
%s

STDERR:
%s

Respond with a JSON object:
{
  "findings": [
    {
      "type": "<finding_type>",
      "severity": "<critical|high|medium|low|info>",
      "description": "<what was found>",
      "evidence": "<relevant output snippet>"
    }
  ],
  "summary": "<brief summary of the tool execution>"
}

If no significant findings, respond with empty findings list.
Note: Output may be partial or truncated if an error occurred. Still extract any useful findings from available data.
`

// Options configures a Processor.
type Options struct {
	MaxRawLength int
	LLMTimeout   time.Duration
	CacheEnabled bool
}

// Processor routes tool output through the tiers. The parser registry is
// shared with the hot-reload watcher and guarded by one lock.
type Processor struct {
	mu      sync.RWMutex
	parsers map[string]ParseFunc

	llm   Summarizer
	clock Clock

	maxRawLength int
	llmTimeout   time.Duration
	cacheEnabled bool

	cacheMu sync.Mutex
	cache   map[string]*ProcessedOutput

	log *slog.Logger
}

// NewProcessor builds a processor. llm may be nil, in which case tier 2 is
// skipped entirely; clock may be nil to use the local wall clock.
func NewProcessor(llm Summarizer, clock Clock, opts Options) *Processor {
	if opts.MaxRawLength <= 0 {
		opts.MaxRawLength = 4000
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 30 * time.Second
	}
	return &Processor{
		parsers:      make(map[string]ParseFunc),
		llm:          llm,
		clock:        clock,
		maxRawLength: opts.MaxRawLength,
		llmTimeout:   opts.LLMTimeout,
		cacheEnabled: opts.CacheEnabled,
		cache:        make(map[string]*ProcessedOutput),
		log:          slog.Default().With("component", "output"),
	}
}

// RegisterParser installs a tier-1 parser under a tool name.
func (p *Processor) RegisterParser(tool string, fn ParseFunc) {
	p.mu.Lock()
	p.parsers[strings.ToLower(tool)] = fn
	p.mu.Unlock()
	p.log.Info("parser registered", "tool", tool)
}

// UnregisterParser removes a tier-1 parser.
func (p *Processor) UnregisterParser(tool string) {
	p.mu.Lock()
	_, found := p.parsers[strings.ToLower(tool)]
	delete(p.parsers, strings.ToLower(tool))
	p.mu.Unlock()
	if found {
		p.log.Info("parser unregistered", "tool", tool)
	}
}

// RegisteredParsers lists tools with a tier-1 parser installed.
func (p *Processor) RegisteredParsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.parsers))
	for name := range p.parsers {
		names = append(names, name)
	}
	return names
}

// Process runs the tiers in order. Failed runs are still processed so
// parsers and the LLM can extract partial data.
func (p *Processor) Process(ctx context.Context, req Request) *ProcessedOutput {
	tool := strings.ToLower(req.Tool)

	p.mu.RLock()
	parser := p.parsers[tool]
	p.mu.RUnlock()

	if parser != nil {
		if out, ok := p.tier1(parser, req); ok {
			return out
		}
	}

	if p.llm != nil {
		if out, ok := p.tier2(ctx, req); ok {
			return out
		}
	}

	p.log.Info("using tier 3 raw truncation", "tool", tool)
	return &ProcessedOutput{
		Summary:      fmt.Sprintf("Raw tool output (truncated to %d chars)", p.maxRawLength),
		RawTruncated: truncate(req.Stdout, p.maxRawLength),
		Tier:         3,
	}
}

func (p *Processor) tier1(parser ParseFunc, req Request) (out *ProcessedOutput, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("tier 1 parser panicked, falling through", "tool", req.Tool, "panic", r)
			out, ok = nil, false
		}
	}()

	findings, err := parser(req.Stdout, req.Stderr, req.ExitCode, req.AgentID, req.Target, req.ErrorType)
	if err != nil {
		p.log.Warn("tier 1 parser failed, falling through", "tool", req.Tool, "error", err)
		return nil, false
	}
	return &ProcessedOutput{
		Findings:     findings,
		Summary:      fmt.Sprintf("Parsed %d findings from %s", len(findings), req.Tool),
		RawTruncated: truncate(req.Stdout, p.maxRawLength),
		Tier:         1,
	}, true
}

// cacheKey is tool + first 16 hex chars of SHA-256 over stdout+stderr.
func cacheKey(tool, stdout, stderr string) string {
	sum := sha256.Sum256([]byte(stdout + stderr))
	return strings.ToLower(tool) + ":" + hex.EncodeToString(sum[:])[:16]
}

func (p *Processor) tier2(ctx context.Context, req Request) (*ProcessedOutput, bool) {
	key := cacheKey(req.Tool, req.Stdout, req.Stderr)
	if p.cacheEnabled {
		p.cacheMu.Lock()
		cached := p.cache[key]
		p.cacheMu.Unlock()
		if cached != nil {
			p.log.Debug("tier 2 cache hit", "tool", req.Tool, "key", key)
			return cached, true
		}
	}

	errorContext := ""
	if req.ErrorType != "" {
		human := strings.ToLower(strings.ReplaceAll(req.ErrorType, "_", " "))
		errorContext = fmt.Sprintf("Error Type: %s\nNote: Output may be partial due to %s.\n", req.ErrorType, human)
	}
	prompt := fmt.Sprintf(tier2PromptTemplate,
		req.Tool, req.ExitCode, errorContext,
		truncate(req.Stdout, 4000), truncate(req.Stderr, 1000))

	llmCtx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	defer cancel()
	response, err := p.llm.Generate(llmCtx, prompt)
	if err != nil {
		p.log.Warn("tier 2 LLM call failed, falling through", "tool", req.Tool, "error", err)
		return nil, false
	}

	var parsed struct {
		Findings []struct {
			Type        string `json:"type"`
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Evidence    string `json:"evidence"`
		} `json:"findings"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(stripMarkdownJSON(response)), &parsed); err != nil {
		p.log.Warn("tier 2 response was not valid JSON, falling through", "tool", req.Tool, "error", err)
		return nil, false
	}

	findings := make([]*models.Finding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		severity := f.Severity
		if !models.ValidSeverities[severity] {
			severity = "info"
		}
		findingType := f.Type
		if findingType == "" {
			findingType = "unknown"
		}
		findings = append(findings, &models.Finding{
			ID:        uuid.New().String(),
			Type:      findingType,
			Severity:  severity,
			Target:    req.Target,
			Evidence:  f.Evidence + "\n---\n" + f.Description,
			AgentID:   req.AgentID,
			Timestamp: p.now(),
			Tool:      strings.ToLower(req.Tool),
			Topic:     models.FindingTopic(req.Target, findingType),
		})
	}

	out := &ProcessedOutput{
		Findings:     findings,
		Summary:      parsed.Summary,
		RawTruncated: truncate(req.Stdout, p.maxRawLength),
		Tier:         2,
	}
	if p.cacheEnabled {
		p.cacheMu.Lock()
		p.cache[key] = out
		p.cacheMu.Unlock()
	}
	return out, true
}

func (p *Processor) now() string {
	if p.clock != nil {
		return p.clock.NowISO()
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// stripMarkdownJSON removes code fences models wrap JSON in despite being
// asked for raw JSON.
func stripMarkdownJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if nl := strings.Index(content, "\n"); nl != -1 {
			content = content[nl+1:]
		}
		if strings.HasSuffix(content, "```") {
			content = strings.TrimSpace(content[:len(content)-3])
		}
	}
	return content
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
