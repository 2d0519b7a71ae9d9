// Package prober implements the Health Prober: a background loop that
// keeps the Backend Registry's load view fresh by polling each
// backend's /queue endpoint on a fixed interval.
package prober

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/corewell/genforge/internal/logging"
	"github.com/corewell/genforge/internal/observability"
	"github.com/corewell/genforge/internal/registry"
)

// queueResponse is the shape of a backend's GET /queue reply. Only the
// lengths of the two arrays matter; elements are ignored.
type queueResponse struct {
	QueueRunning []json.RawMessage `json:"queue_running"`
	QueuePending []json.RawMessage `json:"queue_pending"`
}

// Prober polls every registered backend on Interval and applies the
// result to the Registry.
type Prober struct {
	reg      *registry.Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
}

// New builds a Prober. interval and timeout default to 5s / 3s when
// given as zero.
func New(reg *registry.Registry, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		reg:      reg,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches the probe loop in a background goroutine and returns
// immediately. The loop exits when ctx is cancelled, after the tick it
// is running, if any, has finished. Prober has no Stop method, and
// Start gives the caller no way to wait for the loop to exit.
func (p *Prober) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Prober) loop(ctx context.Context) {
	log := logging.WithComponent("prober")
	log.Info().Dur("interval", p.interval).Msg("starting health prober")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health prober stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick probes every currently registered backend. Probes within one
// tick may run concurrently; the Registry's locking makes each
// individual ApplyProbe atomic.
func (p *Prober) tick(ctx context.Context) {
	snapshot := p.reg.Snapshot()
	done := make(chan struct{}, len(snapshot))
	for _, entry := range snapshot {
		addr := entry.Address
		go func() {
			defer func() { done <- struct{}{} }()
			p.probeOne(ctx, addr)
		}()
	}
	for range snapshot {
		<-done
	}
}

func (p *Prober) probeOne(ctx context.Context, address string) {
	log := logging.WithBackend(logging.WithComponent("prober"), address)

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	outcome := p.doProbe(reqCtx, address)
	observability.ProbeDuration.Observe(time.Since(start).Seconds())

	if outcome.Success {
		observability.ProbeOutcomes.WithLabelValues(address, "success").Inc()
		log.Debug().Int("running", outcome.QueueRunning).Int("pending", outcome.QueuePending).Msg("probe succeeded")
	} else {
		observability.ProbeOutcomes.WithLabelValues(address, "failure").Inc()
		log.Warn().Msg("probe failed")
	}

	p.reg.ApplyProbe(address, outcome)
}

func (p *Prober) doProbe(ctx context.Context, address string) registry.ProbeOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/queue", nil)
	if err != nil {
		return registry.ProbeOutcome{Success: false}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return registry.ProbeOutcome{Success: false}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return registry.ProbeOutcome{Success: false}
	}

	var body queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return registry.ProbeOutcome{Success: false}
	}

	return registry.ProbeOutcome{
		Success:      true,
		QueueRunning: len(body.QueueRunning),
		QueuePending: len(body.QueuePending),
	}
}
