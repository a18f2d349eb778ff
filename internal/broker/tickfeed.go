package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedReconnectFloor = time.Second
	feedReconnectCap   = 30 * time.Second
	feedWriteTimeout   = 5 * time.Second
)

type feedRequest struct {
	Action     string `json:"action"` // subscribe | unsubscribe
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
}

type feedTick struct {
	Segment    string  `json:"segment"`
	SecurityID string  `json:"security_id"`
	LTP        float64 `json:"ltp"`
	TS         int64   `json:"ts"` // unix millis
}

// TickFeed is the websocket client for the broker's live price stream.
// It keeps the wanted subscription set across reconnects and delivers
// decoded ticks to the handler from a single goroutine, so downstream
// consumers see ticks for one instrument in order.
type TickFeed struct {
	url         string
	accessToken string
	logger      *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]feedRequest // key -> subscribe request to replay
	handMu  sync.RWMutex
	deliver TickHandler
}

// NewTickFeed builds a feed; SetHandler and Run must be called before
// ticks flow. The handler is set separately because the feed and its
// consumer (the supervisor) reference each other.
func NewTickFeed(url, accessToken string, logger *zap.Logger) *TickFeed {
	return &TickFeed{
		url:         url,
		accessToken: accessToken,
		logger:      logger,
		subs:        make(map[string]feedRequest),
	}
}

// SetHandler installs the tick consumer.
func (f *TickFeed) SetHandler(h TickHandler) {
	f.handMu.Lock()
	f.deliver = h
	f.handMu.Unlock()
}

// Run connects and pumps ticks until ctx is done, reconnecting with
// capped backoff. It blocks; callers run it on its own goroutine.
func (f *TickFeed) Run(ctx context.Context) {
	backoff := feedReconnectFloor
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.connectAndPump(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("tick feed disconnected, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > feedReconnectCap {
			backoff = feedReconnectCap
		}
	}
}

func (f *TickFeed) connectAndPump(ctx context.Context) error {
	header := map[string][]string{"access-token": {f.accessToken}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	pending := make([]feedRequest, 0, len(f.subs))
	for _, req := range f.subs {
		pending = append(pending, req)
	}
	f.mu.Unlock()

	f.logger.Info("tick feed connected", zap.String("url", f.url), zap.Int("subscriptions", len(pending)))

	// Replay the subscription set on every (re)connect.
	for _, req := range pending {
		if err := f.send(req); err != nil {
			f.teardown()
			return fmt.Errorf("resubscribe %s:%s: %w", req.Segment, req.SecurityID, err)
		}
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.teardown()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			f.teardown()
			return err
		}
		var msg feedTick
		if err := json.Unmarshal(payload, &msg); err != nil {
			f.logger.Warn("tick feed: undecodable message", zap.Error(err))
			continue
		}
		if msg.SecurityID == "" {
			continue // heartbeat or ack
		}
		f.handMu.RLock()
		handler := f.deliver
		f.handMu.RUnlock()
		if handler == nil {
			continue
		}
		handler.OnTick(Tick{
			Segment:    msg.Segment,
			SecurityID: msg.SecurityID,
			LTP:        msg.LTP,
			At:         time.UnixMilli(msg.TS),
		})
	}
}

// Subscribe registers interest in an instrument's ticks. Safe to call
// while disconnected; the request is replayed after reconnect.
func (f *TickFeed) Subscribe(segment, securityID string) error {
	req := feedRequest{Action: "subscribe", Segment: segment, SecurityID: securityID}
	f.mu.Lock()
	f.subs[segment+":"+securityID] = req
	connected := f.conn != nil
	f.mu.Unlock()
	if !connected {
		return nil
	}
	return f.send(req)
}

// Unsubscribe drops an instrument from the feed.
func (f *TickFeed) Unsubscribe(segment, securityID string) error {
	f.mu.Lock()
	delete(f.subs, segment+":"+securityID)
	connected := f.conn != nil
	f.mu.Unlock()
	if !connected {
		return nil
	}
	return f.send(feedRequest{Action: "unsubscribe", Segment: segment, SecurityID: securityID})
}

// send writes one control frame. The lock is held across the write:
// gorilla/websocket allows only one concurrent writer.
func (f *TickFeed) send(req feedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(req)
}

func (f *TickFeed) teardown() {
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()
}
