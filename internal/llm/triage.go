package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/models"
)

// Verdict is the model's judgement on one finding
type Verdict struct {
	FalsePositive    bool   `json:"false_positive"`
	AdjustedSeverity string `json:"adjusted_severity,omitempty"`
	Rationale        string `json:"rationale,omitempty"`
	Remediation      string `json:"remediation,omitempty"`
	ModelID          string `json:"model_id,omitempty"`
}

// Triager classifies findings as likely false positives and owns the
// memory-based model selection policy. Model switching is idempotent
// under concurrent requests; a coalesced idle timer unloads the model
// after the last successful generation.
type Triager struct {
	cfg     config.LLMConfig
	gen     Generator
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker

	// availableMB reads current free memory; swapped in tests.
	availableMB func() (uint64, error)

	mu        sync.Mutex
	model     string
	idleTimer *time.Timer
}

// NewTriager builds a triager over the given generator backend
func NewTriager(cfg config.LLMConfig, gen Generator, log *zap.Logger) *Triager {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Triager{
		cfg: cfg,
		gen: gen,
		log: log,
		availableMB: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available / (1024 * 1024), nil
		},
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-generate",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Info("llm breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return t
}

// Enabled reports whether triage is configured to run
func (t *Triager) Enabled() bool { return t.cfg.Enabled && t.gen != nil }

// LoadedModel returns the model selected for generation, empty when the
// idle timer has unloaded it.
func (t *Triager) LoadedModel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

// Triage judges one finding. On any failure the input comes back
// verbatim with FalsePositive left false; triage never invents a
// positive classification.
func (t *Triager) Triage(ctx context.Context, f models.Finding) models.Finding {
	if !t.Enabled() {
		return f
	}

	model, err := t.ensureModel(ctx)
	if err != nil {
		t.log.Debug("llm triage skipped, no model", zap.Error(err))
		return f
	}

	raw, err := t.breaker.Execute(func() (any, error) {
		return t.gen.Generate(ctx, model, triagePrompt(f))
	})
	if err != nil {
		t.log.Debug("llm triage generation failed", zap.Error(err))
		return f
	}
	t.touchIdle(model)

	verdict, err := parseVerdict(raw.(string))
	if err != nil {
		t.log.Debug("llm triage verdict unparseable", zap.Error(err))
		return f
	}

	f.FalsePositive = verdict.FalsePositive
	note := verdict.Rationale
	if verdict.Remediation != "" {
		note = strings.TrimSpace(note + "\nRemediation: " + verdict.Remediation)
	}
	f.TriageNote = fmt.Sprintf("[%s] %s", model, note)
	if sev := models.Severity(verdict.AdjustedSeverity); sev.IsValid() {
		f.Severity = sev
	}
	return f
}

// AutoScale picks the largest model whose memory threshold fits the
// currently available memory and switches to it when different from the
// loaded one. Returns the selected model name.
func (t *Triager) AutoScale(ctx context.Context) (string, error) {
	avail, err := t.availableMB()
	if err != nil {
		return "", fmt.Errorf("llm: reading available memory: %w", err)
	}

	selected := t.pickModel(avail)
	if selected == "" {
		return "", fmt.Errorf("llm: no model configured for %d MB available", avail)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model == selected {
		return selected, nil
	}
	if t.model != "" {
		// Evict the old model before loading a bigger/smaller one.
		if err := t.gen.Unload(ctx, t.model); err != nil {
			t.log.Debug("llm unload before switch failed", zap.Error(err))
		}
	}
	t.log.Info("llm model selected",
		zap.String("model", selected),
		zap.Uint64("available_mb", avail))
	t.model = selected
	return selected, nil
}

// pickModel returns the configured model with the highest threshold not
// exceeding availMB, or the smallest model when nothing fits.
func (t *Triager) pickModel(availMB uint64) string {
	type candidate struct {
		name string
		min  uint64
	}
	cands := make([]candidate, 0, len(t.cfg.ModelThresholds))
	for name, min := range t.cfg.ModelThresholds {
		cands = append(cands, candidate{name, min})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].min > cands[j].min })

	for _, c := range cands {
		if c.min <= availMB {
			return c.name
		}
	}
	return cands[len(cands)-1].name
}

// ensureModel returns the model to generate with, running auto-scale
// when enabled and falling back to the sticky selection otherwise.
func (t *Triager) ensureModel(ctx context.Context) (string, error) {
	if t.cfg.AutoScale {
		return t.AutoScale(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model != "" {
		return t.model, nil
	}
	t.model = t.pickModel(^uint64(0))
	if t.model == "" {
		return "", fmt.Errorf("llm: no models configured")
	}
	return t.model, nil
}

// touchIdle restarts the idle-unload timer. Calls coalesce: only the
// last generation's timer survives.
func (t *Triager) touchIdle(model string) {
	if t.cfg.IdleUnload <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.cfg.IdleUnload, func() {
		t.unloadIdle(model)
	})
}

func (t *Triager) unloadIdle(model string) {
	t.mu.Lock()
	if t.model != model {
		t.mu.Unlock()
		return
	}
	t.model = ""
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.gen.Unload(ctx, model); err != nil {
		t.log.Debug("llm idle unload failed", zap.Error(err))
		return
	}
	t.log.Info("llm model unloaded after idle period", zap.String("model", model))
}

// triagePrompt asks for a strict JSON verdict on one finding
func triagePrompt(f models.Finding) string {
	var b strings.Builder
	b.WriteString("You are a security triage assistant. Judge whether the following ")
	b.WriteString("vulnerability finding is likely a false positive.\n\n")
	fmt.Fprintf(&b, "Title: %s\nSeverity: %s\nURL: %s\n", f.Title, f.Severity, f.URL)
	if f.Parameter != "" {
		fmt.Fprintf(&b, "Parameter: %s\n", f.Parameter)
	}
	if f.TemplateID != "" {
		fmt.Fprintf(&b, "Template: %s\n", f.TemplateID)
	}
	if f.Evidence != "" {
		evidence := f.Evidence
		if len(evidence) > 2000 {
			evidence = evidence[:2000]
		}
		fmt.Fprintf(&b, "Evidence:\n%s\n", evidence)
	}
	b.WriteString("\nAnswer with a single JSON object and nothing else, shaped as: ")
	b.WriteString(`{"false_positive": bool, "adjusted_severity": "critical|high|medium|low|info", `)
	b.WriteString(`"rationale": "one sentence", "remediation": "one sentence"}`)
	return b.String()
}

// parseVerdict extracts the first JSON object from model output. Models
// routinely wrap the object in prose or code fences.
func parseVerdict(raw string) (*Verdict, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
