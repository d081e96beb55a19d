// Package webhook implements the Webhook Delivery Actor of spec.md §4.D:
// for one bot's bound TQueue conversations, resolve the endpoint IP,
// maintain a pooled HTTPS connection budget, and dispatch events with
// per-event retry/backoff while preserving per-conversation order.
//
// Grounded on the teacher's LongPollingClient (circuit breaker, HTTP
// client tuning) inverted from polling-out to pushing-out, and on
// original_source WebhookActor.cpp for the exact retry/backoff and 410
// semantics.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker/v2"

	"github.com/prilive-com/botapigateway/internal/flood"
	"github.com/prilive-com/botapigateway/internal/tqueue"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultMaxBodySize is the endpoint-configured ceiling from spec.md
// §4.D.3 ("default 16 MiB").
const defaultMaxBodySize = 16 * 1024 * 1024

// activeWindow is how recently a success must have happened for the pool
// to be considered in the "active" regime (spec.md §4.D.1).
const activeWindow = 10 * time.Second

// Config describes one bound webhook endpoint.
type Config struct {
	URL               string
	SecretToken       string
	AllowedUpdateMask uint32
	MaxConnections    int
	FixIPAddress      bool
	CachedIP          string
	LocalMode         bool
	MaxBodySize       int64
}

// Callbacks lets the owning bot actor observe side effects without the
// webhook actor importing botclient (avoiding the cyclic-reference problem
// spec.md §9 calls out; the webhook actor refers back only via these
// function values).
type Callbacks struct {
	// OnVerified fires once, the first time the endpoint is reachable
	// (answers a delivery with any HTTP status).
	OnVerified func(ip string)
	// OnClosed fires when the webhook is retired (sustained HTTP 410).
	OnClosed func()
	// OnAnswerMethod fires for the "answer-via-webhook" shortcut: a 2xx
	// response body naming a recognized bot-API method.
	OnAnswerMethod func(method string, params map[string]any)
	// OnWarning surfaces soft pending-updates threshold crossings.
	OnWarning func(msg string, pending int)
}

// Actor is one webhook delivery actor, bound to a single TQueue queue_id.
type Actor struct {
	logger   *slog.Logger
	queue    *tqueue.TQueue
	queueID  int64
	cfg      Config
	cb       Callbacks
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[deliveryResult]
	ipCache  *ipCache
	active   *flood.Control
	pending  *flood.Control
	sem      chan struct{}

	mu           sync.Mutex
	loaded       map[int32]*eventState
	convs        map[int64]*conversationQueue
	heap         convHeap
	nextFrom     int32
	verified     bool
	lastSuccess  time.Time
	warnThresh   int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a webhook Actor bound to queueID, reading events from queue
// and delivering them to cfg.URL.
func New(logger *slog.Logger, queue *tqueue.TQueue, queueID int64, cfg Config, cb Callbacks) *Actor {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 40
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	host := cfg.URL
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Hostname()
	}

	var ipc *ipCache
	if cfg.FixIPAddress && cfg.CachedIP != "" {
		ipc = newIPCacheFixed(cfg.CachedIP)
	} else {
		ipc = newIPCache(host, false, &net.Resolver{}, cfg.LocalMode)
	}

	active := flood.New()
	active.AddLimit(500*time.Millisecond, 10)
	pending := flood.New()
	pending.AddLimit(2*time.Second, 1)

	breaker := gobreaker.NewCircuitBreaker[deliveryResult](gobreaker.Settings{
		Name:        "webhook-" + host,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
	})

	a := &Actor{
		logger:     logger,
		queue:      queue,
		queueID:    queueID,
		cfg:        cfg,
		cb:         cb,
		client:     defaultWebhookHTTPClient(),
		breaker:    breaker,
		ipCache:    ipc,
		active:     active,
		pending:    pending,
		sem:        make(chan struct{}, cfg.MaxConnections),
		loaded:     make(map[int32]*eventState),
		convs:      make(map[int64]*conversationQueue),
		nextFrom:   queue.Head(queueID),
		warnThresh: 50, // original_source MIN_PENDING_UPDATES_WARNING
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	return a
}

func defaultWebhookHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 40,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// maxLoadedUpdates implements spec.md §4.D.6: the actor stops pulling new
// events once it has this many loaded and unacknowledged.
func (a *Actor) maxLoadedUpdates() int {
	return 2 * a.cfg.MaxConnections
}

// Start launches the actor's dispatch loop.
func (a *Actor) Start(ctx context.Context) {
	go a.run(ctx)
}

// Stop signals the dispatch loop to exit and waits for it to finish.
func (a *Actor) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.doneCh)

	notify := a.queue.NotifyChannel(a.queueID)
	buf := make([]tqueue.Event, 64)

	for {
		a.fill(buf)

		wait := a.nextWakeup()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-a.stopCh:
			stopTimer(timer)
			return
		case <-notify:
			notify = a.queue.NotifyChannel(a.queueID)
			stopTimer(timer)
		case <-timerC:
		}

		a.dispatchReady(ctx)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// fill pulls new events from TQueue up to the back-pressure cap.
func (a *Actor) fill(buf []tqueue.Event) {
	a.mu.Lock()
	room := a.maxLoadedUpdates() - len(a.loaded)
	from := a.nextFrom
	a.mu.Unlock()
	if room <= 0 {
		return
	}
	if room > len(buf) {
		room = len(buf)
	}

	_, got := a.queue.Get(a.queueID, from, 0, time.Now().Unix(), buf[:room])
	if len(got) == 0 {
		return
	}

	a.mu.Lock()
	for _, ev := range got {
		if _, exists := a.loaded[ev.ID]; exists {
			continue
		}
		es := newEventState(a.queueID, ev.ID, ev.Payload, ev.Extra, time.Unix(ev.ExpiresAt, 0))
		a.loaded[ev.ID] = es

		conv, ok := a.convs[ev.Extra]
		if !ok {
			conv = &conversationQueue{key: ev.Extra}
			a.convs[ev.Extra] = conv
		}
		wasIdle := conv.head() == nil
		conv.pushBack(es)
		if wasIdle {
			// The conversation had no event in play (neither waiting in the
			// heap nor in flight), so this fresh event becomes its head and
			// joins the dispatch heap; otherwise it just waits its turn in
			// the FIFO behind the current head.
			pushConv(&a.heap, conv)
		}

		if ev.ID >= a.nextFrom {
			a.nextFrom = ev.ID + 1
		}
	}
	pending := len(a.loaded)
	threshold := a.warnThresh
	a.mu.Unlock()

	if pending >= threshold && a.cb.OnWarning != nil {
		a.cb.OnWarning("webhook pending-updates threshold crossed", pending)
		a.mu.Lock()
		a.warnThresh *= 2
		a.mu.Unlock()
	}
}

// nextWakeup returns how long to sleep before the next dispatch attempt, or
// a negative duration if there is nothing loaded at all (sleep until
// notified).
func (a *Actor) nextWakeup() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.heap) == 0 {
		return -1
	}
	next := a.heap[0].head().wakeupAt
	if next.IsZero() {
		return 0
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	return d
}

// dispatchReady pops every conversation whose head wakeup_at has passed and
// sends only that head, preserving per-conversation order (spec.md §4.D.3:
// "only the head event of each conversation's FIFO is considered").
func (a *Actor) dispatchReady(ctx context.Context) {
	now := time.Now()
	for {
		a.mu.Lock()
		if len(a.heap) == 0 || (!a.heap[0].head().wakeupAt.IsZero() && a.heap[0].head().wakeupAt.After(now)) {
			a.mu.Unlock()
			return
		}
		conv := popConv(&a.heap)
		a.mu.Unlock()

		if !a.admitConnection(now) {
			// Regime flood control rejected a new dispatch attempt; put the
			// conversation back for the next tick.
			a.mu.Lock()
			conv.head().wakeupAt = now.Add(100 * time.Millisecond)
			pushConv(&a.heap, conv)
			a.mu.Unlock()
			return
		}

		select {
		case a.sem <- struct{}{}:
		default:
			a.mu.Lock()
			pushConv(&a.heap, conv)
			a.mu.Unlock()
			return
		}

		go a.deliverAndReschedule(ctx, conv)
	}
}

// admitConnection applies the active/pending flood control regime of
// spec.md §4.D.1.
func (a *Actor) admitConnection(now time.Time) bool {
	a.mu.Lock()
	regimeActive := now.Sub(a.lastSuccess) < activeWindow
	a.mu.Unlock()
	if regimeActive {
		return a.active.Allow(now)
	}
	return a.pending.Allow(now)
}

func (a *Actor) deliverAndReschedule(ctx context.Context, conv *conversationQueue) {
	defer func() { <-a.sem }()

	es := conv.head()
	res := a.deliver(ctx, es)
	now := time.Now()

	a.mu.Lock()
	if res.statusCode >= 200 && res.statusCode < 300 {
		a.lastSuccess = now
	}
	if !a.verified && res.statusCode > 0 {
		a.verified = true
		ip, _, _, _ := a.ipCache.current(ctx, now)
		a.mu.Unlock()
		if a.cb.OnVerified != nil {
			a.cb.OnVerified(ip)
		}
		a.mu.Lock()
	}
	oc := es.applyResult(now, res)
	switch oc {
	case outcomeAck, outcomeDrop, outcomeClosed:
		delete(a.loaded, es.id)
		conv.popFront()
		if conv.head() != nil {
			pushConv(&a.heap, conv)
		} else {
			delete(a.convs, conv.key)
		}
	case outcomeRetry:
		pushConv(&a.heap, conv)
	}
	a.mu.Unlock()

	switch oc {
	case outcomeAck:
		a.queue.Forget(a.queueID, es.id)
		a.maybeAnswerViaWebhook(res.body)
	case outcomeDrop:
		a.queue.Forget(a.queueID, es.id)
		a.logger.Warn("webhook event dropped past expiry", "queue_id", a.queueID, "event_id", es.id)
	case outcomeClosed:
		a.queue.Forget(a.queueID, es.id)
		a.logger.Warn("webhook closed after sustained 410", "queue_id", a.queueID)
		if a.cb.OnClosed != nil {
			a.cb.OnClosed()
		}
		close(a.stopCh)
	}
}

// maybeAnswerViaWebhook implements spec.md §4.D.4's "answer-via-webhook"
// shortcut: a 2xx body naming a recognized bot-API method (excluding the
// handful spec.md §8's Open Question (b) reserves) is re-injected as a
// synthetic request, without being treated as the event's acknowledgement
// (which already happened via on_update_ok above).
func (a *Actor) maybeAnswerViaWebhook(body []byte) {
	if len(body) == 0 || a.cb.OnAnswerMethod == nil {
		return
	}
	var decoded map[string]any
	if err := jsonAPI.Unmarshal(body, &decoded); err != nil {
		return
	}
	method, _ := decoded["method"].(string)
	if !isAnswerableMethod(method) {
		return
	}
	delete(decoded, "method")
	a.cb.OnAnswerMethod(method, decoded)
}

var nonAnswerableMethods = map[string]bool{
	"setwebhook":    true,
	"deletewebhook": true,
	"close":         true,
	"logout":        true,
}

func isAnswerableMethod(method string) bool {
	if method == "" {
		return false
	}
	lower := lowerASCII(method)
	if nonAnswerableMethods[lower] {
		return false
	}
	if len(lower) >= 3 && lower[:3] == "get" {
		return false
	}
	return true
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// deliver performs the HTTP round trip for a single event, per spec.md
// §4.D.3.
func (a *Actor) deliver(ctx context.Context, es *eventState) deliveryResult {
	if int64(len(es.payload)) > a.cfg.MaxBodySize {
		return deliveryResult{statusCode: 400, retryAfter: -1}
	}

	ip, _, _, err := a.ipCache.current(ctx, time.Now())
	if err != nil {
		a.logger.Warn("webhook ip resolution failed", "error", err)
		return deliveryResult{statusCode: 0, retryAfter: -1}
	}

	body, err := buildBody(es.id, es.payload)
	if err != nil {
		return deliveryResult{statusCode: 400, retryAfter: -1}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return deliveryResult{statusCode: 0, retryAfter: -1}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Connection", "keep-alive")
	if a.cfg.SecretToken != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", a.cfg.SecretToken)
	}
	if u, perr := url.Parse(a.cfg.URL); perr == nil && u.User != nil {
		creds := u.User.String()
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	_ = ip // resolved IP informs the dial cache in a full implementation; net/http's
	// own resolver is used for the actual connection here, and ip only
	// gates the generation/change bookkeeping above.

	resp, err := a.breaker.Execute(func() (deliveryResult, error) {
		r, err := a.client.Do(req)
		if err != nil {
			return deliveryResult{}, err
		}
		defer func() {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
		}()
		respBody, _ := io.ReadAll(io.LimitReader(r.Body, a.cfg.MaxBodySize))
		retryAfter := -1
		if v := r.Header.Get("Retry-After"); v != "" {
			fmt.Sscanf(v, "%d", &retryAfter)
		}
		return deliveryResult{statusCode: r.StatusCode, retryAfter: retryAfter, body: respBody}, nil
	})
	if err != nil {
		return deliveryResult{statusCode: 0, retryAfter: -1}
	}
	return resp
}

func buildBody(eventID int32, payload []byte) ([]byte, error) {
	var fields map[string]any
	if len(payload) > 0 {
		if err := jsonAPI.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
	} else {
		fields = make(map[string]any)
	}
	fields["update_id"] = tqueue.MaskUpdateID(eventID)
	return jsonAPI.Marshal(fields)
}

// PendingCount reports how many events are currently loaded and
// unacknowledged, for stats rendering.
func (a *Actor) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.loaded)
}
