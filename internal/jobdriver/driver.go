// Package jobdriver implements the Job Driver: it submits a node graph
// to a backend, watches the backend's websocket progress/completion
// frames for the resulting prompt, and fetches the produced artifact.
//
// Completion detection runs as a single select over the socket's read
// pump, a timer, and ctx.Done, rather than a busy-receive loop polling
// the socket and a deadline in turn: the backend connection is
// abandoned the instant any of the three fires.
package jobdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/logging"
	"github.com/corewell/genforge/internal/observability"
)

// State is a Job Driver run's lifecycle stage.
type State string

const (
	StateIdle      State = "IDLE"
	StateSubmitted State = "SUBMITTED"
	StateWatching  State = "WATCHING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateFailed    State = "FAILED"
)

// Artifact is a single output file reference as returned in a backend's
// history response (filename/subfolder/type triple).
type Artifact struct {
	Filename string
	Subfolder string
	Type      string
	Bytes     []byte
}

// Result is the outcome of a full Run: the final state, the
// backend-assigned prompt id (the upstream contract's job_id), any
// artifact bytes fetched, and the raw history payload for callers that
// need more than the first artifact.
type Result struct {
	State    State
	PromptID string
	Artifact *Artifact
	History  map[string]interface{}
}

// Driver submits prompts to a backend and watches them to completion.
type Driver struct {
	client *http.Client
}

// New builds a Driver whose HTTP calls (not websocket watches) use the
// given timeout.
func New(httpTimeout time.Duration) *Driver {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	return &Driver{client: &http.Client{Timeout: httpTimeout}}
}

type submitRequest struct {
	Prompt   interface{} `json:"prompt"`
	ClientID string      `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit POSTs graph to the backend's /prompt endpoint under clientID
// and returns the assigned prompt id.
func (d *Driver) Submit(ctx context.Context, address, clientID string, graph interface{}) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", gatewayerr.NewTransportError(address, "submit", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", gatewayerr.NewTransportError(address, "submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", gatewayerr.NewProtocolError(address, fmt.Sprintf("submit returned status %d", resp.StatusCode))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gatewayerr.NewProtocolError(address, "malformed submit response: "+err.Error())
	}
	if out.PromptID == "" {
		return "", gatewayerr.NewProtocolError(address, "submit response missing prompt_id")
	}
	return out.PromptID, nil
}

type wsFrame struct {
	Type string `json:"type"`
	Data struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
		Value    float64 `json:"value"`
		Max      float64 `json:"max"`
	} `json:"data"`
}

// Watch opens the backend's websocket progress stream for clientID and
// blocks until either promptID's execution frame reports completion
// (Node == nil for that prompt id), the deadline elapses, or ctx is
// cancelled, whichever happens first.
func (d *Driver) Watch(ctx context.Context, address, clientID, promptID string, deadline time.Duration) error {
	log := logging.WithBackend(logging.WithComponent("jobdriver"), address)

	u := url.URL{Scheme: "ws", Host: address, Path: "/ws", RawQuery: "clientId=" + url.QueryEscape(clientID)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return gatewayerr.NewTransportError(address, "watch-dial", err)
	}
	defer conn.Close()

	frames := make(chan wsFrame, 16)
	readErrs := make(chan error, 1)
	go pumpFrames(conn, frames, readErrs)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return gatewayerr.NewTimeoutError(address, promptID)
		case err := <-readErrs:
			return gatewayerr.NewTransportError(address, "watch-read", err)
		case frame := <-frames:
			switch frame.Type {
			case "progress":
				log.Debug().Float64("value", frame.Data.Value).Float64("max", frame.Data.Max).Msg("execution progress")
			case "executing":
				if frame.Data.Node == nil && frame.Data.PromptID == promptID {
					return nil
				}
			}
		}
	}
}

func pumpFrames(conn *websocket.Conn, frames chan<- wsFrame, errs chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		frames <- frame
	}
}

// FetchHistory retrieves the backend's recorded history for promptID.
func (d *Driver) FetchHistory(ctx context.Context, address, promptID string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, gatewayerr.NewTransportError(address, "history", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, gatewayerr.NewTransportError(address, "history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, gatewayerr.NewProtocolError(address, fmt.Sprintf("history returned status %d", resp.StatusCode))
	}

	var full map[string]map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		return nil, gatewayerr.NewProtocolError(address, "malformed history response: "+err.Error())
	}

	entry, ok := full[promptID]
	if !ok {
		return nil, gatewayerr.NewProtocolError(address, "history missing prompt id "+promptID)
	}
	return entry, nil
}

// outputKeysForMode mirrors the original's images.py/videos.py split:
// image jobs only ever produce an "images" list, video jobs produce
// either a "videos" list or, for AnimateDiff-style nodes, a "gifs"
// list, checked in that order. Any mode other than "video" (image,
// preload) is treated as image-shaped.
func outputKeysForMode(mode string) []string {
	if mode == "video" {
		return []string{"videos", "gifs"}
	}
	return []string{"images"}
}

// FirstArtifact walks history's outputs looking for a node output with
// a non-empty artifact list for mode and returns the first element of
// that list. Outputs are held in a Go map, so they are visited in
// map iteration order, not document order: when several node outputs
// carry artifacts, which one is returned is not defined. Returns
// ok=false if the history contains no artifact.
func FirstArtifact(history map[string]interface{}, mode string) (Artifact, bool) {
	outputs, ok := history["outputs"].(map[string]interface{})
	if !ok {
		return Artifact{}, false
	}

	for _, nodeOutput := range outputs {
		fields, ok := nodeOutput.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range outputKeysForMode(mode) {
			list, ok := fields[key].([]interface{})
			if !ok || len(list) == 0 {
				continue
			}
			item, ok := list[0].(map[string]interface{})
			if !ok {
				continue
			}
			return Artifact{
				Filename:  stringField(item, "filename"),
				Subfolder: stringField(item, "subfolder"),
				Type:      stringField(item, "type"),
			}, true
		}
	}
	return Artifact{}, false
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// FetchArtifactBytes downloads the artifact's raw bytes from the
// backend's /view endpoint.
func (d *Driver) FetchArtifactBytes(ctx context.Context, address string, a Artifact) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, gatewayerr.NewTransportError(address, "view", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, gatewayerr.NewTransportError(address, "view", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, gatewayerr.NewProtocolError(address, fmt.Sprintf("view returned status %d", resp.StatusCode))
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, gatewayerr.NewTransportError(address, "view-read", err)
	}
	return buf.Bytes(), nil
}

// FreeMemory asks the backend to release GPU/VRAM state. Backends that
// don't implement /free (or reject it) are coaxed into releasing
// memory anyway by submitting an empty prompt, mirroring the original
// implementation's fallback.
func (d *Driver) FreeMemory(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/free", bytes.NewReader([]byte(`{"free_memory":true}`)))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		if resp, err := d.client.Do(req); err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}

	_, err = d.Submit(ctx, address, "free-memory-fallback", map[string]interface{}{})
	return err
}

// Run submits graph under clientID, watches it to completion within
// deadline, fetches its history, and downloads the first artifact
// found. Every exit path returns a terminal State.
func (d *Driver) Run(ctx context.Context, address, clientID string, graph interface{}, deadline time.Duration, mode string) (*Result, error) {
	start := time.Now()

	promptID, err := d.Submit(ctx, address, clientID, graph)
	if err != nil {
		observability.JobDuration.WithLabelValues(address, "failed").Observe(time.Since(start).Seconds())
		return &Result{State: StateFailed}, err
	}
	observability.JobsDispatched.WithLabelValues(address, mode).Inc()

	// deadline is the single source of truth for how long this run may
	// wait on completion; Watch's own timer enforces it so there is no
	// second, racing ctx deadline to reconcile against.
	if err := d.Watch(ctx, address, clientID, promptID, deadline); err != nil {
		if _, ok := err.(*gatewayerr.TimeoutError); ok {
			observability.JobDuration.WithLabelValues(address, "timed_out").Observe(time.Since(start).Seconds())
			return &Result{State: StateTimedOut, PromptID: promptID}, err
		}
		observability.JobDuration.WithLabelValues(address, "failed").Observe(time.Since(start).Seconds())
		return &Result{State: StateFailed, PromptID: promptID}, err
	}

	history, err := d.FetchHistory(ctx, address, promptID)
	if err != nil {
		observability.JobDuration.WithLabelValues(address, "failed").Observe(time.Since(start).Seconds())
		return &Result{State: StateFailed, PromptID: promptID}, err
	}

	result := &Result{State: StateCompleted, PromptID: promptID, History: history}
	if artifact, ok := FirstArtifact(history, mode); ok {
		data, err := d.FetchArtifactBytes(ctx, address, artifact)
		if err != nil {
			observability.JobDuration.WithLabelValues(address, "failed").Observe(time.Since(start).Seconds())
			return &Result{State: StateFailed, PromptID: promptID, History: history}, err
		}
		artifact.Bytes = data
		result.Artifact = &artifact
	}

	observability.JobDuration.WithLabelValues(address, "completed").Observe(time.Since(start).Seconds())
	return result, nil
}
