// Package preload implements warm-up of every registered backend: it
// creates a placeholder input image once, then fans out a preload
// variant of the current workflow to every backend concurrently.
//
// Grounded on tool_pool.py's preload_all_servers, which fans out across
// backends with a ThreadPoolExecutor and collects (address, (ok, info))
// pairs; here the fan-out is an errgroup and each backend's call is
// paced by its own rate limiter so a slow backend can't be hammered by
// repeated preload calls.
package preload

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/jobdriver"
	"github.com/corewell/genforge/internal/logging"
	"github.com/corewell/genforge/internal/observability"
	"github.com/corewell/genforge/internal/workflow"
)

const (
	placeholderWidth  = 16
	placeholderHeight = 16
	// PlaceholderFilename is the fixed input filename every preload
	// rewrite targets, matching the original's preload_white.png.
	PlaceholderFilename = "preload_white.png"
)

// BackendResult is one backend's preload outcome.
type BackendResult struct {
	Address string
	OK      bool
	Err     error
}

// Preloader warms backends with a placeholder image before real traffic
// arrives, so the first real request doesn't pay a cold-model-load
// latency penalty.
type Preloader struct {
	driver   *jobdriver.Driver
	deadline time.Duration
	inputDir string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Preloader. inputDir is the backends' shared input
// directory path (a filesystem mount every registered backend also
// reads from); the placeholder image is written there once and is
// otherwise left untouched. Each backend gets its own token bucket
// limiter (1 preload per second, burst 1) so a retrying caller
// can't flood a single slow backend with preload attempts.
func New(driver *jobdriver.Driver, deadline time.Duration, inputDir string) *Preloader {
	if deadline <= 0 {
		deadline = 300 * time.Second
	}
	return &Preloader{
		driver:   driver,
		deadline: deadline,
		inputDir: inputDir,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Preloader) limiterFor(address string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[address]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		p.limiters[address] = l
	}
	return l
}

// WritePlaceholder encodes the 16x16 all-white placeholder PNG into w.
// It always writes; ensurePlaceholder calls it once for the shared
// input directory and skips it when the file already exists, mirroring
// the original's create_placeholder_image.
func WritePlaceholder(w io.Writer) error {
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	fill := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < placeholderHeight; y++ {
		for x := 0; x < placeholderWidth; x++ {
			img.Set(x, y, fill)
		}
	}
	return png.Encode(w, img)
}

// PlaceholderBytes returns the encoded placeholder image.
func PlaceholderBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WritePlaceholder(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ensurePlaceholder creates the placeholder file at p.inputDir if it
// doesn't already exist. Idempotent: a pre-existing file (from a prior
// run, or another process sharing the same mount) is left untouched,
// matching the original's check-then-create behavior.
func (p *Preloader) ensurePlaceholder() error {
	if p.inputDir == "" {
		return fmt.Errorf("preload: no input directory configured for placeholder creation")
	}

	path := filepath.Join(p.inputDir, PlaceholderFilename)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat placeholder %s: %w", path, err)
	}

	if err := os.MkdirAll(p.inputDir, 0o755); err != nil {
		return fmt.Errorf("create input dir %s: %w", p.inputDir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create placeholder %s: %w", path, err)
	}
	defer f.Close()

	if err := WritePlaceholder(f); err != nil {
		return fmt.Errorf("encode placeholder %s: %w", path, err)
	}
	return nil
}

// All rewrites graph with the preload variant and submits it to every
// address in addresses concurrently, each under its own client id and
// its own rate limiter. It returns one BackendResult per address and a
// non-nil error (gatewayerr.ErrPreloadAllFailed) only when every
// backend failed. A partial success is reported, not failed.
func (p *Preloader) All(ctx context.Context, addresses []string, graph workflow.Graph, newClientID func() string) ([]BackendResult, error) {
	log := logging.WithComponent("preload")

	if len(addresses) > 0 {
		if err := p.ensurePlaceholder(); err != nil {
			log.Error().Err(err).Msg("failed to ensure placeholder image exists")
			return nil, fmt.Errorf("ensure placeholder: %w", err)
		}
	}

	rewritten, result := workflow.RewritePreload(graph, PlaceholderFilename)
	if result.Outcome == workflow.OutcomeNoTarget {
		log.Warn().Msg("preload workflow has no LoadImage node to target; submitting unmodified graph")
	}

	results := make([]BackendResult, len(addresses))
	g, gctx := errgroup.WithContext(ctx)

	for i, addr := range addresses {
		i, addr := i, addr
		g.Go(func() error {
			results[i] = p.preloadOne(gctx, addr, rewritten, newClientID())
			return nil
		})
	}
	// errgroup.Wait's error is always nil here since preloadOne never
	// returns an error itself; per-backend failure is recorded in
	// results instead of aborting the whole fan-out.
	_ = g.Wait()

	successCount := 0
	for _, r := range results {
		outcome := "false"
		if r.OK {
			outcome = "true"
			successCount++
		}
		observability.PreloadResults.WithLabelValues(r.Address, outcome).Inc()
	}

	if len(addresses) > 0 && successCount == 0 {
		log.Error().Str("summary", describeFailures(results)).Msg("preload failed on every backend")
		return results, gatewayerr.ErrPreloadAllFailed
	}
	if successCount < len(addresses) {
		log.Warn().Str("summary", describeFailures(results)).Msg("preload partially failed")
	}
	return results, nil
}

func (p *Preloader) preloadOne(ctx context.Context, address string, graph workflow.Graph, clientID string) BackendResult {
	if err := p.limiterFor(address).Wait(ctx); err != nil {
		return BackendResult{Address: address, OK: false, Err: err}
	}

	_, err := p.driver.Run(ctx, address, clientID, graph, p.deadline, "preload")
	if err != nil {
		return BackendResult{Address: address, OK: false, Err: err}
	}
	return BackendResult{Address: address, OK: true}
}

// describeFailures renders a compact summary of failed backends for
// logging, without dumping full error chains per backend.
func describeFailures(results []BackendResult) string {
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	return fmt.Sprintf("%d/%d backends failed to preload", failed, len(results))
}
