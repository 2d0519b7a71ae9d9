// Package gateway is the composition root: it wires the Registry,
// Prober, Selector, Tool Pool, Workflow Rewriter, Job Driver, and
// Preload Orchestrator together behind the upstream contract
// (LoadTemplate, Process, AddBackend, RemoveBackend, StatusSnapshot).
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corewell/genforge/internal/audit"
	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/idempotency"
	"github.com/corewell/genforge/internal/jobdriver"
	"github.com/corewell/genforge/internal/logging"
	"github.com/corewell/genforge/internal/pool"
	"github.com/corewell/genforge/internal/preload"
	"github.com/corewell/genforge/internal/prober"
	"github.com/corewell/genforge/internal/registry"
	"github.com/corewell/genforge/internal/workflow"
)

// Mode is the kind of job a caller wants run.
type Mode string

const (
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
)

// Gateway is the assembled scheduler core. Construct with New and start
// the background prober with Start; the prober stops when the context
// passed to Start is cancelled. Gateway has no Stop method and does not
// wait for in-flight jobs to drain.
type Gateway struct {
	reg      *registry.Registry
	prober   *prober.Prober
	pool     *pool.Pool
	driver   *jobdriver.Driver
	preload  *preload.Preloader
	idemp    *idempotency.Cache // nil when idempotency is disabled
	trail    *audit.Trail       // nil when audit logging is disabled
	deadline time.Duration
}

// Config bundles the tunables Gateway needs; callers usually build this
// from internal/config.Config.
type Config struct {
	ErrorThreshold   int
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	WorkflowDeadline time.Duration
	PreloadDeadline  time.Duration
	// ComfyInputDir is the backends' shared input directory path, used
	// to ensure the preload placeholder image exists before fan-out.
	ComfyInputDir string
	Idempotency   *idempotency.Cache
	Audit         *audit.Trail
}

// New assembles a Gateway from its component parts. Idempotency and
// Audit are optional; passing nil disables the corresponding feature.
func New(cfg Config) *Gateway {
	reg := registry.New(cfg.ErrorThreshold)
	p := prober.New(reg, cfg.ProbeInterval, cfg.ProbeTimeout)
	driver := jobdriver.New(cfg.WorkflowDeadline)
	return &Gateway{
		reg:      reg,
		prober:   p,
		pool:     pool.New(reg),
		driver:   driver,
		preload:  preload.New(driver, cfg.PreloadDeadline, cfg.ComfyInputDir),
		idemp:    cfg.Idempotency,
		trail:    cfg.Audit,
		deadline: cfg.WorkflowDeadline,
	}
}

// Start launches the Health Prober. Safe to call once per Gateway
// lifetime.
func (g *Gateway) Start(ctx context.Context) {
	g.prober.Start(ctx)
}

// AddBackend registers a new backend address with the Registry through
// the Tool Pool. No binding is created here; the Tool Pool creates one
// on the first request routed to the backend.
func (g *Gateway) AddBackend(address string) {
	g.pool.AddBackend(address)
}

// RemoveBackend deregisters a backend. In-flight jobs already bound to
// it continue to run; Task Accounting decrements against it become
// no-ops once removed.
func (g *Gateway) RemoveBackend(address string) {
	g.pool.RemoveBackend(address)
}

// StatusSnapshot returns the current view of every registered backend.
func (g *Gateway) StatusSnapshot() []registry.Entry {
	return g.reg.Snapshot()
}

// LoadTemplateResult is the outcome of LoadTemplate.
type LoadTemplateResult struct {
	OK           bool
	SuccessCount int
	PerBackend   []preload.BackendResult
}

// LoadTemplate replaces the pool's active workflow and, for image-mode
// templates only, preloads every registered backend with it. Video-mode
// templates skip preload: video workflows exceed the warm-up budget and
// aren't re-entered often enough to amortize it.
func (g *Gateway) LoadTemplate(ctx context.Context, name string, graph workflow.Graph, mode Mode) (LoadTemplateResult, error) {
	g.pool.LoadWorkflow(name, graph)

	if mode != ModeImage {
		return LoadTemplateResult{OK: true}, nil
	}

	addresses := make([]string, 0)
	for _, e := range g.reg.Snapshot() {
		addresses = append(addresses, e.Address)
	}

	results, err := g.preload.All(ctx, addresses, graph, func() string { return uuid.NewString() })
	success := 0
	for _, r := range results {
		if r.OK {
			success++
		}
	}

	if err != nil {
		return LoadTemplateResult{OK: false, SuccessCount: success, PerBackend: results}, err
	}
	return LoadTemplateResult{OK: true, SuccessCount: success, PerBackend: results}, nil
}

// ProcessResult is what Process returns to its caller.
type ProcessResult struct {
	// JobID is the backend-assigned prompt id (the upstream contract's
	// job_id), not an output filename.
	JobID            string
	BackendAddress   string
	History          map[string]interface{}
	ArtifactFilename string
	ArtifactBytes    []byte
}

// ProcessOptions parameterizes a single Process call.
type ProcessOptions struct {
	Mode           Mode
	TargetFilename string
	// VideoTargetNodeID is only consulted when Mode == ModeVideo; empty
	// uses workflow.DefaultVideoTargetNodeID.
	VideoTargetNodeID string
	// IdempotencyKey, when non-empty, dedupes retried calls sharing the
	// same key within the cache's TTL.
	IdempotencyKey string
}

// Process selects a backend, rewrites the currently loaded workflow to
// target the caller's uploaded file, submits it, watches it to
// completion, and fetches the first produced artifact.
//
// Task Accounting brackets the entire call: inc_in_flight happens
// before the first network call and dec_in_flight is guaranteed on
// every exit path, including a panic recovered and re-raised here.
func (g *Gateway) Process(ctx context.Context, opts ProcessOptions) (result *ProcessResult, err error) {
	log := logging.WithComponent("gateway")

	if opts.IdempotencyKey != "" && g.idemp != nil {
		won, existing, cacheErr := g.idemp.Reserve(ctx, opts.IdempotencyKey)
		if cacheErr == nil && !won && existing != nil && existing.State == "completed" {
			log.Info().Str("idempotency_key", opts.IdempotencyKey).Msg("replaying cached result")
			return &ProcessResult{BackendAddress: existing.Address}, nil
		}
	}

	binding, err := g.pool.GetToolForRequest()
	if err != nil {
		return nil, err
	}
	loaded := binding.Workflow()
	if loaded == nil {
		return nil, gatewayerr.NewProtocolError(binding.Address, "no workflow loaded")
	}

	g.reg.IncInFlight(binding.Address)
	defer func() {
		g.reg.DecInFlight(binding.Address)
		if r := recover(); r != nil {
			g.recordAudit(ctx, "", binding.Address, string(opts.Mode), "FAILED", fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	var rewritten workflow.Graph
	var rewrite workflow.Result
	switch opts.Mode {
	case ModeVideo:
		rewritten, rewrite = workflow.RewriteVideo(loaded.Graph, opts.TargetFilename, opts.VideoTargetNodeID)
	default:
		rewritten, rewrite = workflow.RewriteImage(loaded.Graph, opts.TargetFilename)
	}
	if rewrite.Outcome == workflow.OutcomeNoTarget {
		log.Warn().Str("backend", binding.Address).Str("mode", string(opts.Mode)).Msg("workflow has no input node to target; submitting unmodified graph")
	}

	g.recordAudit(ctx, "", binding.Address, string(opts.Mode), "SUBMITTED", "")

	runResult, runErr := g.driver.Run(ctx, binding.Address, binding.ClientID, rewritten, g.deadline, string(opts.Mode))
	if runErr != nil {
		g.recordAudit(ctx, runResult.PromptID, binding.Address, string(opts.Mode), string(runResult.State), runErr.Error())
		g.completeIdempotency(ctx, opts.IdempotencyKey, idempotency.Record{State: "failed", Address: binding.Address, Error: runErr.Error()})
		return nil, runErr
	}

	out := &ProcessResult{JobID: runResult.PromptID, BackendAddress: binding.Address, History: runResult.History}
	if runResult.Artifact != nil {
		out.ArtifactFilename = runResult.Artifact.Filename
		out.ArtifactBytes = runResult.Artifact.Bytes
	}

	g.recordAudit(ctx, out.JobID, binding.Address, string(opts.Mode), string(runResult.State), "")
	g.completeIdempotency(ctx, opts.IdempotencyKey, idempotency.Record{State: "completed", Address: binding.Address, Artifact: out.ArtifactFilename})

	return out, nil
}

func (g *Gateway) recordAudit(ctx context.Context, jobID, address, mode, state, detail string) {
	if g.trail == nil {
		return
	}
	if err := g.trail.Record(ctx, audit.Entry{JobID: jobID, Address: address, Mode: mode, State: state, Detail: detail}); err != nil {
		logging.WithComponent("gateway").Warn().Err(err).Msg("failed to write audit entry")
	}
}

func (g *Gateway) completeIdempotency(ctx context.Context, key string, rec idempotency.Record) {
	if key == "" || g.idemp == nil {
		return
	}
	if err := g.idemp.Complete(ctx, key, rec); err != nil {
		logging.WithComponent("gateway").Warn().Err(err).Msg("failed to persist idempotency record")
	}
}
