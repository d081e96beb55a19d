// Package botclient implements the Bot Client Actor of spec.md §4.F: the
// per-bot state machine that authorizes against the upstream library,
// converts HTTP method calls into upstream requests, and emits inbound
// updates into TQueue filtered by the allowed-update-types mask.
//
// Grounded on the teacher's Client/Option pattern (client.go, options.go)
// for construction and configuration, and on original_source Client.h for
// the per-bot state fields (entity caches, pending-send registry,
// pending-resolve registry, cmd_queue_ pre-auth buffering).
package botclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prilive-com/botapigateway/internal/apierr"
	"github.com/prilive-com/botapigateway/internal/stats"
	"github.com/prilive-com/botapigateway/internal/tqueue"
	"github.com/prilive-com/botapigateway/internal/upstream"
)

// MaxConcurrentlySentChatMessages is spec.md §4.F's per-chat send cap.
const MaxConcurrentlySentChatMessages = 310

// Mode selects how inbound updates are delivered to the bot developer.
type Mode int

const (
	ModeNone Mode = iota
	ModeWebhook
	ModeLongPoll
)

// pendingRequest is one HTTP-shaped request buffered in cmd_queue_ until
// authorization completes.
type pendingRequest struct {
	method string
	params map[string]any
	result chan Result
}

// Result is what a method call resolves to: either a raw upstream result or
// an *apierr.APIError.
type Result struct {
	Value any
	Err   error
}

// Client is the per-bot actor. All exported methods are safe for
// concurrent use; internally a single mutex serializes state transitions,
// matching the actor's "processed serially" requirement from spec.md §5 at
// a coarser grain than a literal single goroutine, which is an acceptable
// realization of the same non-preemption invariant.
type Client struct {
	logger  *slog.Logger
	token   string
	queueID int64
	dialer  upstream.Dialer

	mu                sync.Mutex
	upstreamClient    upstream.Client
	authorized        bool
	cmdQueue          []pendingRequest
	allowedUpdateMask uint32
	mode              Mode

	entityUsers  map[int64]map[string]any
	entityChats  map[int64]map[string]any

	sendCountByChat map[int64]int

	resolvePending map[string][]chan int64 // username -> waiters for resolved id
	usernameIDs    map[string]int64        // memoized username -> resolved id
	nextTempID     int64

	sendQueries map[string]*pendingSend // send_message_query_id -> yet_unsent_messages_ bookkeeping

	stats *stats.BotStat
	queue *tqueue.TQueue
}

// New creates a Client for token, bound to queueID in queue, dialed through
// dialer on first authorization attempt.
func New(logger *slog.Logger, token string, queueID int64, queue *tqueue.TQueue, dialer upstream.Dialer, stat *stats.BotStat) *Client {
	return &Client{
		logger:            logger,
		token:             token,
		queueID:           queueID,
		dialer:            dialer,
		allowedUpdateMask: 0xFFFFFFFF, // all update kinds allowed by default
		entityUsers:       make(map[int64]map[string]any),
		entityChats:       make(map[int64]map[string]any),
		sendCountByChat:   make(map[int64]int),
		resolvePending:    make(map[string][]chan int64),
		usernameIDs:       make(map[string]int64),
		sendQueries:       make(map[string]*pendingSend),
		stats:             stat,
		queue:             queue,
	}
}

// Authorize dials the upstream client and drains cmd_queue_ in FIFO order.
func (c *Client) Authorize(ctx context.Context) error {
	c.mu.Lock()
	if c.authorized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	uc, err := c.dialer.Dial(ctx, c.token)
	if err != nil {
		return fmt.Errorf("authorizing bot: %w", err)
	}

	c.mu.Lock()
	c.upstreamClient = uc
	c.authorized = true
	queued := c.cmdQueue
	c.cmdQueue = nil
	c.mu.Unlock()

	go c.pumpUpdates(uc)

	for _, req := range queued {
		go c.executeAndReply(ctx, req)
	}
	return nil
}

// pumpUpdates forwards upstream updates into TQueue. A zero
// allowed-update-types mask suppresses every update; any non-zero mask lets
// every update through, since upstream.Update carries no update kind to test
// against the mask bits. The queue stores the raw TQueue id; ids are masked
// with tqueue.MaskUpdateID where they are emitted to consumers.
func (c *Client) pumpUpdates(uc upstream.Client) {
	for u := range uc.Updates() {
		c.mu.Lock()
		mask := c.allowedUpdateMask
		c.mu.Unlock()
		if mask == 0 {
			continue
		}
		id, err := c.queue.Push(c.queueID, u.Payload, time.Now().Add(24*time.Hour).Unix(), 0)
		if err != nil {
			c.logger.Warn("dropping update, tqueue push failed", "error", err)
			continue
		}
		if c.stats != nil {
			c.stats.OnUpdate(time.Now())
		}
		_ = tqueue.MaskUpdateID(id)
	}
}

// alwaysAnswerable are introspection methods answerable before
// authorization completes (spec.md §4.F).
var alwaysAnswerable = map[string]bool{"getme": true}

// Call issues a bot-API method call, buffering it in cmd_queue_ if
// authorization has not yet completed and the method isn't one of the
// small introspection set answerable early.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	c.mu.Lock()
	authorized := c.authorized
	c.mu.Unlock()

	if !authorized && !alwaysAnswerable[lowerASCII(method)] {
		resultCh := make(chan Result, 1)
		c.mu.Lock()
		c.cmdQueue = append(c.cmdQueue, pendingRequest{method: method, params: params, result: resultCh})
		c.mu.Unlock()
		select {
		case res := <-resultCh:
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return c.execute(ctx, method, params)
}

func (c *Client) executeAndReply(ctx context.Context, req pendingRequest) {
	val, err := c.execute(ctx, req.method, req.params)
	req.result <- Result{Value: val, Err: err}
}

func (c *Client) execute(ctx context.Context, method string, params map[string]any) (any, error) {
	c.mu.Lock()
	uc := c.upstreamClient
	c.mu.Unlock()
	if uc == nil {
		return nil, apierr.ErrUnauthorized
	}

	resolved, err := c.resolveBotUsernames(ctx, uc, params)
	if err != nil {
		return nil, apierr.Wrap(502, "bot username resolution failed", err)
	}
	params = resolved.(map[string]any)

	if isSendLikeMethod(method) {
		return c.executeSend(ctx, uc, method, params)
	}

	resp, err := uc.Send(ctx, upstream.Request{Method: method, Params: params})
	if err != nil {
		return nil, apierr.Wrap(502, "upstream call failed", err)
	}
	if !resp.OK {
		return nil, apierr.New(resp.ErrorCode, resp.Description).WithRetryAfter(resp.RetryAfter)
	}
	c.cacheEntitiesFromResult(resp.Result)
	return resp.Result, nil
}

// resolveBotUsernames implements spec.md §4.F's bot username resolution: any
// nested object in params naming a bot by "username" (inline-keyboard
// buttons, inline-query results) has that username resolved to a user id
// before the request reaches upstream, via the same ResolveUsername/
// pending_bot_resolve_queries_ path CacheUser/LookupUser back onto.
func (c *Client) resolveBotUsernames(ctx context.Context, uc upstream.Client, v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			resolvedChild, err := c.resolveBotUsernames(ctx, uc, child)
			if err != nil {
				return nil, err
			}
			out[k] = resolvedChild
		}
		if username, ok := out["username"].(string); ok {
			if _, hasID := out["user_id"]; !hasID {
				id, err := c.resolveOneUsername(ctx, uc, username)
				if err != nil {
					return nil, err
				}
				delete(out, "username")
				out["user_id"] = id
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			resolvedChild, err := c.resolveBotUsernames(ctx, uc, child)
			if err != nil {
				return nil, err
			}
			out[i] = resolvedChild
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveOneUsername resolves username to a user id, consulting the
// memoized username cache before parking on ResolveUsername's shared
// resolve channel.
func (c *Client) resolveOneUsername(ctx context.Context, uc upstream.Client, username string) (int64, error) {
	c.mu.Lock()
	if id, ok := c.usernameIDs[username]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	_, resolved := c.ResolveUsername(ctx, uc, username)
	select {
	case id := <-resolved:
		c.mu.Lock()
		c.usernameIDs[username] = id
		c.mu.Unlock()
		if _, ok := c.LookupUser(id); !ok {
			c.CacheUser(id, map[string]any{"id": id, "username": username})
		}
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// cacheEntitiesFromResult write-through caches any user or chat entity
// embedded in a successful result, per spec.md §4.F's "write-through
// caches for users/chats... to avoid re-fetching".
func (c *Client) cacheEntitiesFromResult(result []byte) {
	if len(result) == 0 {
		return
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return
	}
	c.cacheEntityField(decoded, "chat", c.CacheChat)
	c.cacheEntityField(decoded, "from", c.CacheUser)
}

func (c *Client) cacheEntityField(decoded map[string]any, key string, cache func(int64, map[string]any)) {
	entity, ok := decoded[key].(map[string]any)
	if !ok {
		return
	}
	id, ok := entity["id"].(float64)
	if !ok {
		return
	}
	cache(int64(id), entity)
}

func isSendLikeMethod(method string) bool {
	m := lowerASCII(method)
	return len(m) > 4 && m[:4] == "send"
}

// sendMediaGroupMethod is the one send-like method that fans out into
// multiple upstream calls, one per item in its "media" array.
const sendMediaGroupMethod = "sendmediagroup"

// splitSendParts returns the per-message upstream calls a send-like request
// expands into: each one becomes a yet_unsent_messages_ entry in spec.md
// §4.F terms. Every send-like method but send_media_group expects exactly
// one message; send_media_group expects one per "media" array entry.
func splitSendParts(method string, params map[string]any) []map[string]any {
	if lowerASCII(method) != sendMediaGroupMethod {
		return []map[string]any{params}
	}
	media, ok := params["media"].([]any)
	if !ok || len(media) == 0 {
		return []map[string]any{params}
	}
	parts := make([]map[string]any, len(media))
	for i, item := range media {
		part := make(map[string]any, len(params))
		for k, v := range params {
			if k == "media" {
				continue
			}
			part[k] = v
		}
		part["media"] = item
		parts[i] = part
	}
	return parts
}

// pendingSend is the registered bookkeeping for one in-flight send
// pipeline: results accumulates one slot per yet_unsent_messages_ entry,
// and awaited is spec.md §4.F's awaited_message_count, decremented as each
// upstream call returns.
type pendingSend struct {
	mu       sync.Mutex
	awaited  int
	results  []any
	firstErr error
}

// executeSend implements the fan-out/fan-in send pipeline of spec.md §4.F:
// a send_message_query_id is assigned and registered in sendQueries, one
// upstream call is issued per expected message, and once
// awaited_message_count reaches zero the accumulated results become a
// single atomic response — the lone message, an array for a multi-message
// send, or the first error encountered (successful siblings are discarded
// from the response but remain sent).
func (c *Client) executeSend(ctx context.Context, uc upstream.Client, method string, params map[string]any) (any, error) {
	chatID, _ := params["chat_id"].(int64)

	c.mu.Lock()
	if c.sendCountByChat[chatID] >= MaxConcurrentlySentChatMessages {
		c.mu.Unlock()
		return nil, apierr.New(429, "too many concurrently sent messages for this chat").WithRetryAfter(1)
	}
	c.sendCountByChat[chatID]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sendCountByChat[chatID]--
		c.mu.Unlock()
	}()

	parts := splitSendParts(method, params)
	queryID := uuid.NewString()
	ps := &pendingSend{awaited: len(parts), results: make([]any, len(parts))}

	c.mu.Lock()
	c.sendQueries[queryID] = ps
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sendQueries, queryID)
		c.mu.Unlock()
	}()

	doneCh := make(chan struct{})
	for i, p := range parts {
		go func(i int, p map[string]any) {
			resp, err := uc.Send(ctx, upstream.Request{Method: method, Params: p})

			ps.mu.Lock()
			switch {
			case err != nil:
				if ps.firstErr == nil {
					ps.firstErr = apierr.Wrap(502, "upstream send failed", err)
				}
			case !resp.OK:
				if ps.firstErr == nil {
					ps.firstErr = apierr.New(resp.ErrorCode, resp.Description)
				}
			default:
				ps.results[i] = resp.Result
				c.cacheEntitiesFromResult(resp.Result)
			}
			ps.awaited--
			allArrived := ps.awaited == 0
			ps.mu.Unlock()

			if allArrived {
				close(doneCh)
			}
		}(i, p)
	}

	select {
	case <-doneCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.firstErr != nil {
		return nil, ps.firstErr
	}
	if len(ps.results) == 1 {
		return ps.results[0], nil
	}
	return ps.results, nil
}

// SetAllowedUpdateMask sets the mask pumpUpdates consults, for the lifetime
// of the bot until the next call changes it. Only a zero mask changes what
// is emitted into TQueue (see pumpUpdates); the individual bits select no
// update kinds there.
func (c *Client) SetAllowedUpdateMask(mask uint32) {
	c.mu.Lock()
	c.allowedUpdateMask = mask
	c.mu.Unlock()
}

// SetMode switches between webhook and long-poll delivery. The caller
// (internal/manager) is responsible for tearing down the previous mode's
// actor before calling this.
func (c *Client) SetMode(mode Mode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// Mode reports the current delivery mode.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// QueueID returns the bound TQueue queue id for this bot.
func (c *Client) QueueID() int64 { return c.queueID }

// CacheUser write-through caches a resolved user entity.
func (c *Client) CacheUser(id int64, entity map[string]any) {
	c.mu.Lock()
	c.entityUsers[id] = entity
	c.mu.Unlock()
}

// LookupUser returns a cached user entity, if present.
func (c *Client) LookupUser(id int64) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entityUsers[id]
	return e, ok
}

// CacheChat write-through caches a resolved chat entity.
func (c *Client) CacheChat(id int64, entity map[string]any) {
	c.mu.Lock()
	c.entityChats[id] = entity
	c.mu.Unlock()
}

// LookupChat returns a cached chat entity, if present.
func (c *Client) LookupChat(id int64) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entityChats[id]
	return e, ok
}

// ResolveUsername implements spec.md §4.F's bot username resolution: a
// temporary negative id is handed back immediately so the caller can embed
// it in, e.g., an inline-keyboard button while the real resolution happens
// in the background; multiple callers awaiting the same username share one
// upstream resolve call.
func (c *Client) ResolveUsername(ctx context.Context, uc upstream.Client, username string) (tempID int64, resolved <-chan int64) {
	c.mu.Lock()
	c.nextTempID++
	temp := -c.nextTempID // temporaries start at 1 and are negative to never collide with real ids
	waiters, inFlight := c.resolvePending[username]
	ch := make(chan int64, 1)
	c.resolvePending[username] = append(waiters, ch)
	c.mu.Unlock()

	if !inFlight {
		go c.resolveAndNotify(ctx, uc, username)
	}
	return temp, ch
}

func (c *Client) resolveAndNotify(ctx context.Context, uc upstream.Client, username string) {
	resp, err := uc.Send(ctx, upstream.Request{Method: "resolveUsername", Params: map[string]any{"username": username}})

	c.mu.Lock()
	waiters := c.resolvePending[username]
	delete(c.resolvePending, username)
	c.mu.Unlock()

	var resolvedID int64
	if err == nil && resp.OK {
		fmt.Sscanf(string(resp.Result), "%d", &resolvedID)
	}
	for _, w := range waiters {
		w <- resolvedID
		close(w)
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}
