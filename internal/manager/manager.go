// Package manager implements the Client Manager of spec.md §4.G: routes
// incoming per-bot HTTP requests to the right Bot Client Actor (creating
// one on first sight of a token), enforces the per-source-IP creation
// flood control and the admission shard predicate, restores the webhook
// registry on startup, and exposes the top-K stats ranking and watchdog.
//
// Grounded on original_source ClientManager.cpp for the token grammar,
// admission filter, creation-flood limits, webhook-restore pass, and
// watchdog cadence; the cyclic-reference avoidance follows spec.md §9
// ("the manager owns a handle to the bot actor; the bot actor owns the
// webhook actor; the webhook actor refers back only via a callback").
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prilive-com/botapigateway/internal/apierr"
	"github.com/prilive-com/botapigateway/internal/botclient"
	"github.com/prilive-com/botapigateway/internal/flood"
	"github.com/prilive-com/botapigateway/internal/longpoll"
	"github.com/prilive-com/botapigateway/internal/stats"
	"github.com/prilive-com/botapigateway/internal/tqueue"
	"github.com/prilive-com/botapigateway/internal/upstream"
	"github.com/prilive-com/botapigateway/internal/webhook"
	"github.com/prilive-com/botapigateway/internal/webhookdb"
)

// newCreationFlood builds spec.md §4.G's per-IP bot-creation limits.
func newCreationFlood() *flood.Control {
	c := flood.New()
	c.AddLimit(time.Minute, 20)
	c.AddLimit(time.Hour, 600)
	return c
}

// botEntry is everything the manager tracks for one token.
type botEntry struct {
	token   string
	userID  int64
	isTest  bool
	client  *botclient.Client
	stat    *stats.BotStat
	waiter  *longpoll.Waiter

	mu           sync.Mutex
	webhookActor *webhook.Actor
}

func (e *botEntry) webhookKey() string {
	return webhookKey(e.token, e.isTest)
}

func webhookKey(token string, isTest bool) string {
	if isTest {
		return token + ":T"
	}
	return token
}

// Manager is the Client Manager. Safe for concurrent use.
type Manager struct {
	logger                *slog.Logger
	queue                 *tqueue.TQueue
	webhookDB             *webhookdb.DB
	dialer                upstream.Dialer
	admission             Admission
	maxWebhookConnections int
	localMode             bool

	mu            sync.Mutex
	bots          map[string]*botEntry
	creationFlood map[string]*flood.Control
	draining      bool

	lastKick    atomic.Int64 // unix nanos
	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// Config bundles Manager construction parameters.
type Config struct {
	Admission             Admission
	MaxWebhookConnections int
	LocalMode             bool
}

// New creates a Manager. Call RestoreWebhooks once at startup to replay
// the persisted webhook registry, and StartWatchdog to begin liveness
// monitoring.
func New(logger *slog.Logger, queue *tqueue.TQueue, webhookDB *webhookdb.DB, dialer upstream.Dialer, cfg Config) *Manager {
	if cfg.MaxWebhookConnections <= 0 {
		cfg.MaxWebhookConnections = 40
	}
	m := &Manager{
		logger:                logger,
		queue:                 queue,
		webhookDB:             webhookDB,
		dialer:                upstream.WrapDialer(dialer, upstream.DefaultBreakerSettings()),
		admission:             cfg.Admission,
		maxWebhookConnections: cfg.MaxWebhookConnections,
		localMode:             cfg.LocalMode,
		bots:                  make(map[string]*botEntry),
		creationFlood:         make(map[string]*flood.Control),
	}
	m.lastKick.Store(time.Now().UnixNano())
	return m
}

// canonicalizeIP strips an IPv6 zone/interface suffix ("fe80::1%eth0" ->
// "fe80::1"), matching spec.md §4.G's "canonicalized, IPv6 interface
// stripped" peer-IP key.
func canonicalizeIP(ip string) string {
	if i := strings.IndexByte(ip, '%'); i >= 0 {
		return ip[:i]
	}
	return ip
}

// Dispatch routes one inbound bot-API call. peerIP is the canonical
// source address used for creation flood control; isInternal bypasses
// that flood control for synthetic requests (webhook restore, the
// answer-via-webhook shortcut).
func (m *Manager) Dispatch(ctx context.Context, peerIP, token string, isTest bool, method string, params map[string]any, isInternal bool) (any, error) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil, apierr.ErrShuttingDown
	}

	userID, ok := ParseToken(token)
	if !ok {
		return nil, apierr.ErrUnauthorized
	}
	if !m.admission.Allows(userID) {
		return nil, apierr.ErrMisdirectedRequest
	}

	entry, created, err := m.lookupOrCreate(token, userID, isTest, peerIP, isInternal)
	if err != nil {
		return nil, err
	}
	if created {
		if err := entry.client.Authorize(ctx); err != nil {
			m.mu.Lock()
			delete(m.bots, m.botKey(token, isTest))
			m.mu.Unlock()
			return nil, apierr.Wrap(401, "authorization failed", err)
		}
	}

	m.kick()

	switch strings.ToLower(method) {
	case "getupdates":
		return m.getUpdates(ctx, entry, params)
	case "setwebhook":
		return m.setWebhook(entry, params)
	case "deletewebhook":
		return nil, m.deleteWebhook(entry)
	default:
		return entry.client.Call(ctx, method, params)
	}
}

func (m *Manager) botKey(token string, isTest bool) string {
	return webhookKey(token, isTest)
}

// lookupOrCreate returns the entry for token, creating and registering it
// (and checking the per-IP creation flood control) if this is the first
// request seen for it.
func (m *Manager) lookupOrCreate(token string, userID int64, isTest bool, peerIP string, isInternal bool) (*botEntry, bool, error) {
	key := m.botKey(token, isTest)

	m.mu.Lock()
	if e, ok := m.bots[key]; ok {
		m.mu.Unlock()
		return e, false, nil
	}

	if !isInternal {
		ip := canonicalizeIP(peerIP)
		fc, ok := m.creationFlood[ip]
		if !ok {
			fc = newCreationFlood()
			m.creationFlood[ip] = fc
		}
		now := time.Now()
		if !fc.Allow(now) {
			retryAfter := int(fc.WakeupAt(now).Sub(now).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			m.mu.Unlock()
			return nil, false, apierr.ErrTooManyRequests.WithRetryAfter(retryAfter)
		}
	}

	queueID := TQueueID(userID, isTest)
	stat := stats.New(time.Now())
	entry := &botEntry{
		token:  token,
		userID: userID,
		isTest: isTest,
		client: botclient.New(m.logger, token, queueID, m.queue, m.dialer, stat),
		stat:   stat,
		waiter: longpoll.New(m.logger, m.queue, queueID),
	}
	m.bots[key] = entry
	m.mu.Unlock()
	return entry, true, nil
}

func (m *Manager) getUpdates(ctx context.Context, entry *botEntry, params map[string]any) (any, error) {
	entry.mu.Lock()
	hasWebhook := entry.webhookActor != nil
	entry.mu.Unlock()
	if hasWebhook {
		return nil, apierr.New(409, "Conflict: can't use getUpdates method while webhook is active")
	}

	offset := intParam(params, "offset", 0)
	limit := intParam(params, "limit", 100)
	timeout := intParam(params, "timeout", 0)

	if mask, ok := params["allowed_updates"]; ok {
		entry.client.SetAllowedUpdateMask(updateMaskFromParam(mask))
	}
	entry.client.SetMode(botclient.ModeLongPoll)

	got, err := entry.waiter.GetUpdates(ctx, int32(offset), limit, timeout)
	if err != nil {
		if err == longpoll.ErrConflict {
			return nil, apierr.ErrConflict
		}
		return nil, err
	}
	for i := range got {
		got[i].ID = tqueue.MaskUpdateID(got[i].ID)
	}
	return got, nil
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// updateMaskFromParam is a placeholder bitmask derivation for the
// "allowed_updates" JSON array param; the exhaustive update-kind-to-bit
// mapping is part of the out-of-scope method dispatch table (spec.md §1
// Non-goal (a)), so any non-empty list is treated as "all kinds" here.
func updateMaskFromParam(v any) uint32 {
	if list, ok := v.([]any); ok && len(list) == 0 {
		return 0xFFFFFFFF
	}
	return 0xFFFFFFFF
}

func (m *Manager) setWebhook(entry *botEntry, params map[string]any) (any, error) {
	url, _ := params["url"].(string)

	entry.mu.Lock()
	if entry.webhookActor != nil {
		entry.webhookActor.Stop()
		entry.webhookActor = nil
	}
	entry.mu.Unlock()
	entry.waiter.Abort()

	if url == "" {
		return nil, m.deleteWebhook(entry)
	}

	secretToken, _ := params["secret_token"].(string)
	fixIP, _ := params["ip_address"].(string)
	_, hasCert := params["certificate"]

	desc := webhookdb.Descriptor{
		URL:               url,
		HasCustomCert:     hasCert,
		MaxConnections:    intParam(params, "max_connections", m.maxWebhookConnections),
		CachedIP:          fixIP,
		FixIPAddress:      fixIP != "",
		SecretToken:       secretToken,
	}
	if mask, ok := params["allowed_updates"]; ok {
		desc.AllowedUpdateMask = updateMaskFromParam(mask)
	}

	actor := m.buildWebhookActor(entry, desc)
	entry.mu.Lock()
	entry.webhookActor = actor
	entry.mu.Unlock()
	entry.client.SetMode(botclient.ModeWebhook)
	if mask := desc.AllowedUpdateMask; mask != 0 {
		entry.client.SetAllowedUpdateMask(mask)
	}
	actor.Start(context.Background())

	if err := m.webhookDB.Set(entry.webhookKey(), desc.Encode()); err != nil {
		m.logger.Warn("persisting webhook descriptor failed", "error", err)
	}
	return true, nil
}

func (m *Manager) buildWebhookActor(entry *botEntry, desc webhookdb.Descriptor) *webhook.Actor {
	cfg := webhook.Config{
		URL:               desc.URL,
		SecretToken:       desc.SecretToken,
		AllowedUpdateMask: desc.AllowedUpdateMask,
		MaxConnections:    desc.MaxConnections,
		FixIPAddress:      desc.FixIPAddress,
		CachedIP:          desc.CachedIP,
		LocalMode:         m.localMode,
	}
	cb := webhook.Callbacks{
		OnVerified: func(ip string) {
			desc.CachedIP = ip
			if err := m.webhookDB.Set(entry.webhookKey(), desc.Encode()); err != nil {
				m.logger.Warn("persisting verified webhook IP failed", "error", err)
			}
		},
		OnClosed: func() {
			entry.mu.Lock()
			entry.webhookActor = nil
			entry.mu.Unlock()
			entry.client.SetMode(botclient.ModeNone)
			if err := m.webhookDB.Delete(entry.webhookKey()); err != nil {
				m.logger.Warn("removing closed webhook descriptor failed", "error", err)
			}
		},
		OnAnswerMethod: func(method string, params map[string]any) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := entry.client.Call(ctx, method, params); err != nil {
					m.logger.Warn("answer-via-webhook call failed", "bot", entry.token, "method", method, "error", err)
				}
			}()
		},
		OnWarning: func(msg string, pending int) {
			m.logger.Warn(msg, "bot", entry.token, "pending", pending)
		},
	}
	return webhook.New(m.logger, m.queue, entry.client.QueueID(), cfg, cb)
}

func (m *Manager) deleteWebhook(entry *botEntry) error {
	entry.mu.Lock()
	actor := entry.webhookActor
	entry.webhookActor = nil
	entry.mu.Unlock()
	if actor != nil {
		actor.Stop()
	}
	entry.client.SetMode(botclient.ModeNone)
	return m.webhookDB.Delete(entry.webhookKey())
}

// RestoreWebhooks replays the persisted webhook registry on startup
// (spec.md §4.G "Webhook restore"): each entry passing the admission
// predicate is routed through the normal setWebhook path as an internal
// synthetic request.
func (m *Manager) RestoreWebhooks(ctx context.Context) {
	type restoreJob struct {
		token  string
		isTest bool
		desc   webhookdb.Descriptor
	}
	var jobs []restoreJob
	m.webhookDB.Each(func(key, encoded string) {
		token := key
		isTest := false
		if strings.HasSuffix(key, ":T") {
			token = strings.TrimSuffix(key, ":T")
			isTest = true
		}
		jobs = append(jobs, restoreJob{token: token, isTest: isTest, desc: webhookdb.Decode(encoded)})
	})

	for _, job := range jobs {
		userID, ok := ParseToken(job.token)
		if !ok || !m.admission.Allows(userID) {
			continue
		}
		params := map[string]any{
			"url":             job.desc.URL,
			"max_connections": job.desc.MaxConnections,
		}
		if job.desc.SecretToken != "" {
			params["secret_token"] = job.desc.SecretToken
		}
		if job.desc.FixIPAddress {
			params["ip_address"] = job.desc.CachedIP
		}
		if job.desc.HasCustomCert {
			params["certificate"] = true
		}
		if _, err := m.Dispatch(ctx, "", job.token, job.isTest, "setWebhook", params, true); err != nil {
			m.logger.Warn("restoring webhook failed", "bot", job.token, "error", err)
		}
	}
}

// TopKEntry is one row of the top-K stats ranking.
type TopKEntry struct {
	Token string
	Stat  *stats.BotStat
}

// TopK returns up to k bots ranked by stats.BotStat.Score, descending,
// per spec.md §4.G / §10 ("60s rps + long-range rps + active requests +
// upload bytes").
func (m *Manager) TopK(k int, now time.Time) []TopKEntry {
	m.mu.Lock()
	entries := make([]TopKEntry, 0, len(m.bots))
	for _, e := range m.bots {
		entries = append(entries, TopKEntry{Token: e.token, Stat: e.stat})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stat.Score(now) > entries[j].Stat.Score(now)
	})
	if k > 0 && len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// BotCount reports how many bot actors are currently registered.
func (m *Manager) BotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bots)
}

// StartWatchdog launches the liveness-monitoring goroutine of spec.md
// §4.G / original_source Watchdog.cpp: it expects kick (called by Dispatch
// once a request has been routed to a bot, before the method runs) at
// least once per kickInterval; if a kick is
// overdue by more than timeout, a liveness error is logged as a safe
// stand-in for the original's real-time signal to the main thread.
func (m *Manager) StartWatchdog(kickInterval, timeout time.Duration) {
	if kickInterval <= 0 {
		kickInterval = 25 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	m.watchdogStop = make(chan struct{})
	m.watchdogDone = make(chan struct{})
	go func() {
		defer close(m.watchdogDone)
		ticker := time.NewTicker(kickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.watchdogStop:
				return
			case <-ticker.C:
				last := time.Unix(0, m.lastKick.Load())
				if time.Since(last) > timeout {
					m.logger.Error("watchdog: manager dispatch loop overdue", "overdue_by", time.Since(last))
				}
			}
		}
	}()
}

// StopWatchdog stops the watchdog goroutine started by StartWatchdog.
func (m *Manager) StopWatchdog() {
	if m.watchdogStop == nil {
		return
	}
	close(m.watchdogStop)
	<-m.watchdogDone
}

func (m *Manager) kick() {
	m.lastKick.Store(time.Now().UnixNano())
}

// Close begins graceful shutdown (spec.md §4.G "Closure"): new requests
// are rejected with 429, every registered webhook actor is stopped, and
// the persistent stores are closed once draining completes.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.draining = true
	entries := make([]*botEntry, 0, len(m.bots))
	for _, e := range m.bots {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		actor := e.webhookActor
		e.mu.Unlock()
		if actor != nil {
			actor.Stop()
		}
		e.waiter.Abort()
	}

	m.StopWatchdog()

	if err := m.webhookDB.Close(); err != nil {
		return fmt.Errorf("closing webhook registry: %w", err)
	}
	return m.queue.Close()
}
