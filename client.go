package uiprotect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uilibs/uiprotect/data"
	"github.com/uilibs/uiprotect/metrics"
)

// ProtectClient keeps a strongly-typed mirror of a UniFi Protect controller
// synchronized over its websocket event stream, and routes mutations back
// through the HTTP API with echo suppression.
//
// Concurrency model: graph mutation happens under the write lock. The
// websocket reader applies stream packets; RefreshDevice and the ring-reset
// timers apply their changes under the same lock. Public readers take the
// read lock and see
// whole device records atomically. Subscriber callbacks run on the reader
// goroutine and must not block.
type ProtectClient struct {
	cfg     Config
	session *httpSession
	subs    *subscribers
	ignores *ignoreTable
	metrics *metrics.Collector
	logger  *log.Logger

	mu        sync.RWMutex
	bootstrap *data.Bootstrap
	state     SessionState

	ringMu     sync.Mutex
	ringTimers map[string]*time.Timer

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  atomic.Bool
}

// NewProtectClient validates the config and builds a client. Nothing touches
// the network until Start or Update.
func NewProtectClient(cfg Config) (*ProtectClient, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	session, err := newHTTPSession(&cfg)
	if err != nil {
		return nil, err
	}
	c := &ProtectClient{
		cfg:        cfg,
		session:    session,
		ignores:    newIgnoreTable(cfg.EchoIgnoreTTL),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		state:      StateIdle,
		ringTimers: map[string]*time.Timer{},
	}
	c.subs = newSubscribers(cfg.StateBufferSize, cfg.Logger.Printf)
	return c, nil
}

// State returns the current session state.
func (c *ProtectClient) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ProtectClient) setState(to SessionState) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !transitionAllowed(from, to) {
		c.mu.Unlock()
		c.logger.Printf("[WARN] illegal session transition %s -> %s", from, to)
		return
	}
	c.state = to
	c.mu.Unlock()
	c.subs.publishState(to)
}

// Bootstrap returns the live graph, or nil before the first Update. Readers
// must tolerate concurrent updates at whole-device granularity.
func (c *ProtectClient) Bootstrap() *data.Bootstrap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bootstrap
}

// Start authenticates, performs the initial bootstrap and launches the
// websocket session. It returns once the stream is being established;
// subscribe to state changes to follow progress.
func (c *ProtectClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return &StateError{Op: "start", State: c.state}
	}
	c.started = true
	c.mu.Unlock()

	c.setState(StateAuthenticating)
	if err := c.session.authenticate(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StateBootstrapping)
	if err := c.Update(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StateConnecting)
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.runWebsocket(runCtx)
	return nil
}

// Retry re-enters the session after a failure, running the full login
// again. Only legal from the failed state.
func (c *ProtectClient) Retry(ctx context.Context) error {
	if c.State() != StateFailed {
		return &StateError{Op: "retry", State: c.State()}
	}
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return c.Start(ctx)
}

// Update fetches GET /bootstrap and replaces the graph wholesale. On a
// replacement (not the initial load) subscribers receive a synthetic reset
// notification before the new graph becomes visible.
func (c *ProtectClient) Update(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := c.session.doRequest(ctx, http.MethodGet, "/bootstrap", nil, requestOpts{})
	if err != nil {
		return err
	}
	boot, err := data.ParseBootstrap(raw)
	if err != nil {
		return err
	}
	boot.Attach(c, c.logger, c.cfg.Host)
	boot.SetDivergencePolicy(c.cfg.DivergenceThreshold, c.cfg.DivergenceWindow)

	c.mu.RLock()
	replacing := c.bootstrap != nil
	c.mu.RUnlock()
	if replacing {
		c.subs.dispatch(&data.WSSubscriptionMessage{IsReset: true})
		c.ignores.clear()
	}

	c.mu.Lock()
	c.bootstrap = boot
	c.mu.Unlock()
	return nil
}

// Refresh is Update plus divergence-state cleanup; the websocket loop calls
// it when the stream can no longer be trusted.
func (c *ProtectClient) Refresh(ctx context.Context) error {
	if err := c.Update(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.bootstrap != nil {
		c.bootstrap.ResetDivergence()
	}
	c.mu.Unlock()
	return nil
}

// SubscribeMessages registers a per-packet notification handler; the
// returned unsubscribe is idempotent.
func (c *ProtectClient) SubscribeMessages(h MessageHandler) func() {
	return c.subs.subscribeMessages(h)
}

// SubscribeState returns a channel of session state transitions.
func (c *ProtectClient) SubscribeState() (<-chan SessionState, func()) {
	return c.subs.subscribeState()
}

// Close cancels the reader, drains in-flight work and rejects pending saves.
// Safe to call more than once.
func (c *ProtectClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(StateClosing)
	if c.cancel != nil {
		c.cancel()
	}
	c.ringMu.Lock()
	for id, t := range c.ringTimers {
		t.Stop()
		delete(c.ringTimers, id)
	}
	c.ringMu.Unlock()
	c.wg.Wait()
	c.setState(StateClosed)
	c.subs.closeAll()
	c.mu.Lock()
	c.bootstrap = nil
	c.mu.Unlock()
	return nil
}

// PatchDevice implements data.API: it is the single write path for device
// saves.
func (c *ProtectClient) PatchDevice(ctx context.Context, model data.ModelType, id string, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	path := fmt.Sprintf("/%s/%s", model.DevicesKey(), id)
	if model == data.ModelNVR {
		path = "/nvr"
	}
	_, err := c.session.doRequest(ctx, http.MethodPatch, path, body, requestOpts{})
	return err
}

// RegisterEchoIgnore implements data.API.
func (c *ProtectClient) RegisterEchoIgnore(id string, fields data.FieldSet) {
	c.ignores.register(id, fields.Sorted())
}

// RefreshDevice re-fetches one device and applies it as an update packet so
// subscribers see the delta.
func (c *ProtectClient) RefreshDevice(ctx context.Context, model data.ModelType, id string) error {
	raw, err := c.session.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/%s/%s", model.DevicesKey(), id), nil, requestOpts{})
	if err != nil {
		return err
	}
	pkt := &data.WSPacket{
		Action: data.WSActionFrame{
			Action: data.WSActionUpdate, ID: id, ModelKey: model,
		},
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	pkt.Payload = data.NormalizeWireKeys(payload)

	c.mu.Lock()
	var res data.ApplyResult
	if c.bootstrap != nil {
		res = c.bootstrap.ApplyPacket(pkt, data.ApplyOptions{ShouldIgnore: c.shouldIgnore})
	}
	c.mu.Unlock()
	for _, msg := range res.Messages {
		c.subs.dispatch(msg)
	}
	return nil
}

// GetSnapshot downloads a camera snapshot JPEG. ts asks the controller for
// the frame nearest that instant; the zero time means now.
func (c *ProtectClient) GetSnapshot(ctx context.Context, cameraID string, highQuality bool, ts time.Time) ([]byte, error) {
	q := url.Values{}
	if !ts.IsZero() {
		q.Set("ts", strconv.FormatInt(ts.UnixMilli(), 10))
	}
	q.Set("highQuality", strconv.FormatBool(highQuality))
	path := fmt.Sprintf("/cameras/%s/snapshot?%s", cameraID, q.Encode())
	return c.session.doRequest(ctx, http.MethodGet, path, nil, requestOpts{})
}

// ExportVideo downloads an MP4 export for the camera and time range.
func (c *ProtectClient) ExportVideo(ctx context.Context, cameraID string, start, end time.Time) ([]byte, error) {
	if !end.After(start) {
		return nil, &BadRequestError{Msg: "export end must be after start"}
	}
	q := url.Values{
		"camera": {cameraID},
		"start":  {strconv.FormatInt(start.UnixMilli(), 10)},
		"end":    {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	return c.session.doRequest(ctx, http.MethodGet, "/video/export?"+q.Encode(), nil, requestOpts{})
}

// GetEvents queries event history. types may be empty for all kinds.
func (c *ProtectClient) GetEvents(ctx context.Context, start, end time.Time, limit int, types []data.EventType) ([]*data.Event, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	raw, err := c.session.doRequest(ctx, http.MethodGet, "/events?"+q.Encode(), nil, requestOpts{})
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	events := make([]*data.Event, 0, len(items))
	for _, item := range items {
		ev, err := data.NewEventFromWire(data.NormalizeWireKeys(item))
		if err != nil {
			c.logger.Printf("[WARN] skipping undecodable event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Reboot power-cycles a device.
func (c *ProtectClient) Reboot(ctx context.Context, model data.ModelType, id string) error {
	path := fmt.Sprintf("/%s/%s/reboot", model.DevicesKey(), id)
	_, err := c.session.doRequest(ctx, http.MethodPost, path, nil, requestOpts{})
	return err
}

// TalkbackURL returns the endpoint the caller streams outbound audio to.
// The core hands out the URL; shipping the audio is the caller's business.
func (c *ProtectClient) TalkbackURL(cameraID string) string {
	return c.session.baseURL.JoinPath(apiPrefix, "cameras", cameraID, "talkback-stream").String()
}

// UploadTalkback POSTs raw audio bytes to the camera's talkback endpoint.
func (c *ProtectClient) UploadTalkback(ctx context.Context, cameraID string, audio []byte, contentType string) error {
	path := fmt.Sprintf("/cameras/%s/talkback-stream", cameraID)
	_, err := c.session.doRequest(ctx, http.MethodPost, path, audio, requestOpts{raw: true, contentType: contentType})
	return err
}
