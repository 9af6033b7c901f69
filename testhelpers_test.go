package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmdecrypt/cmd"
	"xmdecrypt/config"
	"xmdecrypt/services"
	"xmdecrypt/testsupport"
	"xmdecrypt/types"
	xmws "xmdecrypt/websocket"
)

// TestHelper runs the full HTTP adapter against an in-process dispatcher
type TestHelper struct {
	Server       *httptest.Server
	InputDir     string
	OutputDir    string
	SettingsFile string
	Dispatcher   services.Dispatcher
	Hub          xmws.Hub
	Store        *config.Store
}

type helperOptions struct {
	loader services.TransformerLoader
}

type HelperOption func(*helperOptions)

// WithTransformer makes the dispatcher load t instead of an echo transformer
func WithTransformer(t services.Transformer) HelperOption {
	return func(o *helperOptions) { o.loader = services.StaticLoader(t) }
}

// WithLoader replaces the transformer loader
func WithLoader(loader services.TransformerLoader) HelperOption {
	return func(o *helperOptions) { o.loader = loader }
}

// NewTestHelper creates a new test helper with a temporary test environment
func NewTestHelper(t *testing.T, opts ...HelperOption) *TestHelper {
	t.Helper()
	gin.SetMode(gin.TestMode)

	options := helperOptions{loader: services.StaticLoader(&testsupport.EchoTransformer{})}
	for _, opt := range opts {
		opt(&options)
	}

	base := t.TempDir()
	h := &TestHelper{
		InputDir:     filepath.Join(base, "input"),
		OutputDir:    filepath.Join(base, "output"),
		SettingsFile: filepath.Join(base, "settings.json"),
	}
	require.NoError(t, os.MkdirAll(h.InputDir, 0o755))
	require.NoError(t, os.MkdirAll(h.OutputDir, 0o755))

	cfg := config.Default()
	cfg.OutputRoot = h.OutputDir
	h.Store = config.NewStore(cfg, h.SettingsFile)

	ctx, cancel := context.WithCancel(context.Background())
	h.Hub = xmws.NewHub(nil)
	go h.Hub.Run(ctx)

	h.Dispatcher = services.NewDispatcher(options.loader)
	unsubscribe := h.Dispatcher.Subscribe(h.Hub.Broadcast)
	_ = h.Dispatcher.Start(ctx)

	router := cmd.NewRouter(cmd.RouterDeps{
		Dispatcher:  h.Dispatcher,
		Hub:         h.Hub,
		FileService: services.NewFileService(nil),
		Store:       h.Store,
	})
	h.Server = httptest.NewServer(router)

	t.Cleanup(func() {
		h.Server.Close()
		_ = h.Dispatcher.Teardown()
		unsubscribe()
		cancel()
	})
	return h
}

// CreateContainer writes an encrypted .xm fixture under the input directory
func (h *TestHelper) CreateContainer(t *testing.T, relativePath string, c testsupport.Container) string {
	t.Helper()
	if c.Key == nil {
		c.Key = services.ContainerKey()
	}
	fx, err := c.Build()
	require.NoError(t, err)

	path := filepath.Join(h.InputDir, filepath.FromSlash(relativePath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, fx.Data, 0o644))
	return path
}

// CreateTestFile creates a file with the given content under the output directory
func (h *TestHelper) CreateTestFile(t *testing.T, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(h.OutputDir, filepath.FromSlash(relativePath))
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, content, 0o644))
}

// MakeRequest makes an HTTP request to the test server
func (h *TestHelper) MakeRequest(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// DoJSON makes a request and unmarshals the JSON response into target
func (h *TestHelper) DoJSON(t *testing.T, method, path string, requestBody, target interface{}) *http.Response {
	t.Helper()
	resp := h.MakeRequest(t, method, path, requestBody)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if target != nil {
		require.NoError(t, json.Unmarshal(body, target), string(body))
	}
	return resp
}

// GetJSON makes a GET request and unmarshals JSON response
func (h *TestHelper) GetJSON(t *testing.T, path string, target interface{}) *http.Response {
	t.Helper()
	return h.DoJSON(t, http.MethodGet, path, nil, target)
}

// PostJSON makes a POST request with JSON body and unmarshals JSON response
func (h *TestHelper) PostJSON(t *testing.T, path string, requestBody, target interface{}) *http.Response {
	t.Helper()
	return h.DoJSON(t, http.MethodPost, path, requestBody, target)
}

// WaitForBatch waits until the dispatcher has processed every job of batchID
func (h *TestHelper) WaitForBatch(t *testing.T, batchID string, timeout time.Duration) types.BatchStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		status := h.Dispatcher.Status()
		return status.BatchID == batchID && !status.InProgress()
	}, timeout, 20*time.Millisecond, "batch %s did not finish", batchID)
	return h.Dispatcher.Status()
}

// ConnectWebSocket connects to a WebSocket endpoint and waits for the hub to register it
func (h *TestHelper) ConnectWebSocket(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	before := h.Hub.ClientCount()

	wsURL := "ws" + strings.TrimPrefix(h.Server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Hub.ClientCount() > before },
		2*time.Second, 10*time.Millisecond, "websocket client was not registered")
	return conn
}

// ReadEventsUntil reads events until one of type stop arrives
func ReadEventsUntil(t *testing.T, conn *websocket.Conn, stop types.EventType) []types.Event {
	t.Helper()
	var events []types.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev types.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Type == stop {
			return events
		}
	}
}

// AssertFileExists checks if a file exists in the output directory
func (h *TestHelper) AssertFileExists(t *testing.T, relativePath string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(h.OutputDir, filepath.FromSlash(relativePath)))
	assert.NoError(t, err, "File should exist: %s", relativePath)
}

func episode(title, album, track string) testsupport.Container {
	return testsupport.Container{
		Title:  title,
		Artist: "Narrator",
		Album:  album,
		Track:  track,
		Audio:  testsupport.MP3Stream(900),
	}
}
