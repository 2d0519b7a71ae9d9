package jobdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewell/genforge/internal/gatewayerr"
)

func TestSubmitReturnsPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client-1", body.ClientID)
		w.Write([]byte(`{"prompt_id":"abc123"}`))
	}))
	defer srv.Close()

	d := New(time.Second)
	promptID, err := d.Submit(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "client-1", map[string]interface{}{"1": "node"})

	require.NoError(t, err)
	assert.Equal(t, "abc123", promptID)
}

func TestSubmitMissingPromptIDIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(time.Second)
	_, err := d.Submit(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "client-1", map[string]interface{}{})

	var protoErr *gatewayerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestSubmitNonOKStatusIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(time.Second)
	_, err := d.Submit(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "client-1", map[string]interface{}{})

	var protoErr *gatewayerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

var upgrader = websocket.Upgrader{}

func wsServerSendingFrames(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(500 * time.Millisecond)
	}))
}

func TestWatchReturnsOnCompletionFrame(t *testing.T) {
	srv := wsServerSendingFrames(t, []string{
		`{"type":"progress","data":{"value":1,"max":10}}`,
		`{"type":"executing","data":{"node":"3","prompt_id":"p1"}}`,
		`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
	})
	defer srv.Close()

	d := New(time.Second)
	addr := strings.TrimPrefix(srv.URL, "http://")
	err := d.Watch(context.Background(), addr, "client-1", "p1", time.Second)

	assert.NoError(t, err)
}

func TestWatchIgnoresCompletionForOtherPromptID(t *testing.T) {
	srv := wsServerSendingFrames(t, []string{
		`{"type":"executing","data":{"node":null,"prompt_id":"other-prompt"}}`,
	})
	defer srv.Close()

	d := New(time.Second)
	addr := strings.TrimPrefix(srv.URL, "http://")
	err := d.Watch(context.Background(), addr, "client-1", "p1", 100*time.Millisecond)

	var timeoutErr *gatewayerr.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestWatchTimesOutWithNoCompletionFrame(t *testing.T) {
	srv := wsServerSendingFrames(t, nil)
	defer srv.Close()

	d := New(time.Second)
	addr := strings.TrimPrefix(srv.URL, "http://")
	err := d.Watch(context.Background(), addr, "client-1", "p1", 50*time.Millisecond)

	var timeoutErr *gatewayerr.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestWatchRespectsContextCancellation(t *testing.T) {
	srv := wsServerSendingFrames(t, nil)
	defer srv.Close()

	d := New(time.Second)
	addr := strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := d.Watch(ctx, addr, "client-1", "p1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstArtifactFindsImagesList(t *testing.T) {
	history := map[string]interface{}{
		"outputs": map[string]interface{}{
			"9": map[string]interface{}{
				"images": []interface{}{
					map[string]interface{}{"filename": "out.png", "subfolder": "", "type": "output"},
				},
			},
		},
	}

	artifact, ok := FirstArtifact(history, "image")

	require.True(t, ok)
	assert.Equal(t, "out.png", artifact.Filename)
	assert.Equal(t, "output", artifact.Type)
}

func TestFirstArtifactImageModeIgnoresVideosAndGifs(t *testing.T) {
	history := map[string]interface{}{
		"outputs": map[string]interface{}{
			"9": map[string]interface{}{
				"gifs": []interface{}{
					map[string]interface{}{"filename": "out.webp", "subfolder": "anim", "type": "output"},
				},
			},
		},
	}

	_, ok := FirstArtifact(history, "image")

	assert.False(t, ok, "image mode must not pick up a gifs/videos output")
}

func TestFirstArtifactVideoModePrefersVideosOverGifs(t *testing.T) {
	history := map[string]interface{}{
		"outputs": map[string]interface{}{
			"9": map[string]interface{}{
				"gifs":   []interface{}{map[string]interface{}{"filename": "fallback.webp"}},
				"videos": []interface{}{map[string]interface{}{"filename": "out.mp4", "subfolder": "anim", "type": "output"}},
			},
		},
	}

	artifact, ok := FirstArtifact(history, "video")

	require.True(t, ok)
	assert.Equal(t, "out.mp4", artifact.Filename)
}

func TestFirstArtifactVideoModeFallsBackToGifs(t *testing.T) {
	history := map[string]interface{}{
		"outputs": map[string]interface{}{
			"9": map[string]interface{}{
				"gifs": []interface{}{
					map[string]interface{}{"filename": "out.webp", "subfolder": "anim", "type": "output"},
				},
			},
		},
	}

	artifact, ok := FirstArtifact(history, "video")

	require.True(t, ok)
	assert.Equal(t, "out.webp", artifact.Filename)
}

func TestFirstArtifactNoOutputsReturnsFalse(t *testing.T) {
	_, ok := FirstArtifact(map[string]interface{}{}, "image")
	assert.False(t, ok)
}

func TestFetchHistoryReturnsEntryForPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "p1")
		w.Write([]byte(`{"p1":{"outputs":{}}}`))
	}))
	defer srv.Close()

	d := New(time.Second)
	history, err := d.FetchHistory(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "p1")

	require.NoError(t, err)
	assert.Contains(t, history, "outputs")
}

func TestFreeMemoryFallsBackToEmptySubmit(t *testing.T) {
	var sawFreeAttempt, sawSubmitFallback bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free":
			sawFreeAttempt = true
			w.WriteHeader(http.StatusNotFound)
		case "/prompt":
			sawSubmitFallback = true
			w.Write([]byte(`{"prompt_id":"free-1"}`))
		}
	}))
	defer srv.Close()

	d := New(time.Second)
	err := d.FreeMemory(context.Background(), strings.TrimPrefix(srv.URL, "http://"))

	require.NoError(t, err)
	assert.True(t, sawFreeAttempt)
	assert.True(t, sawSubmitFallback)
}
