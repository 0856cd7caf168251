package uiprotect

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uilibs/uiprotect/data"
)

const (
	wsBackoffBase = time.Second
	wsBackoffCap  = 60 * time.Second
)

// runWebsocket is the session loop: connect, read until failure, back off,
// reconnect from the last-update-id checkpoint. It applies every websocket
// packet to the graph; see the concurrency notes on ProtectClient.
func (c *ProtectClient) runWebsocket(ctx context.Context) {
	defer c.wg.Done()
	backoff := wsBackoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialWebsocket(ctx)
		if err != nil {
			c.metrics.Reconnect()
			var ae *AuthError
			if errors.As(err, &ae) {
				// Handshake rejected: session cookie is stale. Full login,
				// routed through reconnecting per the transition table.
				c.setState(StateReconnecting)
				c.setState(StateAuthenticating)
				c.session.invalidate()
				if authErr := c.session.authenticate(ctx); authErr != nil {
					c.logger.Printf("[ERROR] websocket re-auth failed: %v", authErr)
					c.setState(StateFailed)
					return
				}
				// A lapsed session means an unknown gap in the stream; the
				// graph gets rebuilt before resuming.
				c.setState(StateBootstrapping)
				if err := c.Refresh(ctx); err != nil {
					c.logger.Printf("[ERROR] re-bootstrap after re-auth failed: %v", err)
					c.setState(StateFailed)
					return
				}
				c.setState(StateConnecting)
				continue
			}
			c.logger.Printf("[WARN] websocket connect failed: %v", err)
			c.setState(StateReconnecting)
			if !c.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			c.setState(StateConnecting)
			continue
		}

		c.setState(StateConnected)
		backoff = wsBackoffBase

		needsBootstrap := c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		if needsBootstrap {
			c.metrics.Rebootstrap()
			if err := c.Refresh(ctx); err != nil {
				c.logger.Printf("[ERROR] re-bootstrap failed: %v", err)
			}
		}

		c.metrics.Reconnect()
		c.setState(StateReconnecting)
		if !c.sleep(ctx, jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff)
		c.setState(StateConnecting)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > wsBackoffCap {
		d = wsBackoffCap
	}
	return d
}

// sleep waits or aborts on cancellation; false means the session is done.
func (c *ProtectClient) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *ProtectClient) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	c.mu.RLock()
	lastUpdateID := ""
	if c.bootstrap != nil {
		lastUpdateID = c.bootstrap.LastUpdateID
	}
	c.mu.RUnlock()

	u := url.URL{
		Scheme: "wss",
		Host:   c.session.baseURL.Host,
		Path:   apiPrefix + "/ws/updates",
	}
	if lastUpdateID != "" {
		u.RawQuery = url.Values{"lastUpdateId": {lastUpdateID}}.Encode()
	}

	dialer := websocket.Dialer{
		Jar:              c.session.client.Jar,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !c.cfg.verifyTLS()},
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	header := http.Header{}
	if tok := c.session.csrf(); tok != "" {
		header.Set(csrfHeader, tok)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{Status: resp.StatusCode, Msg: "websocket handshake rejected"}
		}
		return nil, &StreamError{Err: err}
	}
	return conn, nil
}

// readLoop consumes messages until the socket dies or the context cancels.
// It returns true when the session should fully re-bootstrap before
// reconnecting. The reader performs no blocking I/O besides the socket read
// itself; subscriber callbacks run inline and are documented non-blocking.
func (c *ProtectClient) readLoop(ctx context.Context, conn *websocket.Conn) (needsBootstrap bool) {
	keepalive := c.cfg.KeepAliveInterval
	conn.SetReadDeadline(time.Now().Add(2 * keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * keepalive))
	})

	// Ping writer; the reader itself must stay parked on ReadMessage.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close() // unblocks the reader
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return false
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			// A close carrying lastUpdateId means the resume point was
			// rejected and the graph must be rebuilt.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" &&
				containsLastUpdateID(closeErr.Text) {
				return true
			}
			c.logger.Printf("[WARN] websocket read: %v", err)
			return false
		}
		conn.SetReadDeadline(time.Now().Add(2 * keepalive))
		if msgType != websocket.BinaryMessage {
			continue
		}
		if c.processRaw(raw) {
			return true
		}
	}
}

func containsLastUpdateID(s string) bool {
	return strings.Contains(s, "lastUpdateId")
}

// processRaw decodes and applies one binary message. The diff engine never
// throws across the reader boundary; decode failures are logged and dropped.
// They do not count toward the divergence threshold and never trigger a
// re-bootstrap.
func (c *ProtectClient) processRaw(raw []byte) (needsBootstrap bool) {
	pkt, err := data.DecodeWSPacket(raw)
	if err != nil {
		c.metrics.PacketDropped("decode_error")
		c.logger.Printf("[WARN] %v", &ProtocolError{Reason: "undecodable packet", Err: err})
		return false
	}

	c.mu.Lock()
	if c.bootstrap == nil {
		c.mu.Unlock()
		return false
	}
	res := c.bootstrap.ApplyPacket(pkt, data.ApplyOptions{ShouldIgnore: c.shouldIgnore})
	c.mu.Unlock()

	c.metrics.PacketProcessed(string(pkt.Action.ModelKey))
	for _, msg := range res.Messages {
		c.subs.dispatch(msg)
		c.maybeArmRingReset(msg)
	}
	return res.NeedsRefresh
}

func (c *ProtectClient) shouldIgnore(id, path string) bool {
	if c.ignores.consume(id, path) {
		c.metrics.EchoSuppressed()
		return true
	}
	return false
}

// maybeArmRingReset starts the ring interrupt timer on a fresh ring event.
// The controller does not always send the ring end packet; without this the
// doorbell would ring forever.
func (c *ProtectClient) maybeArmRingReset(msg *data.WSSubscriptionMessage) {
	if msg.ModelKey != data.ModelEvent || msg.Action != data.WSActionAdd {
		return
	}
	ev, ok := msg.Obj.(*data.Event)
	if !ok || ev.Type != data.EventRing {
		return
	}
	cameraID := ev.Camera
	if cameraID == "" {
		return
	}
	c.ringMu.Lock()
	if prev, ok := c.ringTimers[cameraID]; ok {
		prev.Stop()
	}
	c.ringTimers[cameraID] = time.AfterFunc(c.cfg.RingInterruptInterval, func() {
		c.resetRing(cameraID)
	})
	c.ringMu.Unlock()
}

func (c *ProtectClient) resetRing(cameraID string) {
	c.ringMu.Lock()
	delete(c.ringTimers, cameraID)
	c.ringMu.Unlock()

	c.mu.Lock()
	var msg *data.WSSubscriptionMessage
	if c.bootstrap != nil {
		msg = c.bootstrap.ResetRing(cameraID)
	}
	c.mu.Unlock()
	if msg != nil {
		c.subs.dispatch(msg)
	}
}
