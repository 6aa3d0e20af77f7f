package msgsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
	"github.com/opd-ai/msgsync/connectivity"
	"github.com/opd-ai/msgsync/event"
	"github.com/opd-ai/msgsync/outbox"
	"github.com/opd-ai/msgsync/status"
	"github.com/opd-ai/msgsync/store"
	"github.com/opd-ai/msgsync/transport"
	"github.com/opd-ai/msgsync/typing"
)

// API is the server surface the client reconciles against. The send
// half must honor localID as an idempotency key; the status half
// returns delivery deltas strictly newer than the cursor.
type API interface {
	outbox.Sender
	status.Fetcher
}

// Options contains configuration options for creating a Client.
type Options struct {
	// SelfID identifies the local user; inbound messages from this
	// sender are not acknowledged back to the server.
	SelfID string

	// StoragePath is the SQLite database file for the local store.
	// Empty selects an in-memory store that does not survive
	// restarts.
	StoragePath string

	// ProbeURL is the endpoint the connectivity monitor probes. Empty
	// disables active probing; the monitor then starts online and
	// follows passive signals only.
	ProbeURL string

	// PushURL and PushToken configure the WebSocket push transport.
	// Leave PushURL empty and set Push to inject a custom transport,
	// or leave both unset to run without a push channel.
	PushURL   string
	PushToken string
	Push      transport.Push

	// SyncInterval overrides the periodic outbox pass cadence. Zero
	// selects the default.
	SyncInterval time.Duration

	// StatusPollInterval overrides the status poll cadence. Zero
	// selects the default.
	StatusPollInterval time.Duration

	// Clock overrides the time source. Nil selects the system clock;
	// tests inject a fake.
	Clock clock.Scheduler
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		SyncInterval:       outbox.DefaultSyncInterval,
		StatusPollInterval: status.DefaultInterval,
	}
}

// Callback types for client events.
type (
	MessageReceivedCallback      func(msg store.Message)
	MessageSentConfirmedCallback func(localID, serverID, chatID string)
	StatusChangedCallback        func(messageID, chatID string, newStatus store.DeliveryStatus)
	SyncCompletedCallback        func(sent, failed int)
	PresenceCallback             func(userID string, online bool)
	TypingCallback               func(chatID, userID string, typing bool)
	ConnectivityCallback         func(online bool)
)

// Client is the top-level facade wiring the local store, event
// dispatcher, sync reconciler, status poller, typing coalescer,
// connectivity monitor, and push transport together.
type Client struct {
	options    *Options
	api        API
	st         store.Store
	clk        clock.Scheduler
	bus        *event.Dispatcher
	monitor    *connectivity.Monitor
	reconciler *outbox.Reconciler
	coalescer  *typing.Coalescer
	push       transport.Push

	mu          sync.Mutex
	running     bool
	startCtx    context.Context
	pollers     map[string]*status.Poller
	onMessage   MessageReceivedCallback
	onConfirmed MessageSentConfirmedCallback
	onStatus    StatusChangedCallback
	onSync      SyncCompletedCallback
	onPresence  PresenceCallback
	onTyping    TypingCallback
	onConnect   ConnectivityCallback
}

// alwaysOnline is the prober used when no probe endpoint is
// configured; the monitor then reports online and follows passive
// signals.
type alwaysOnline struct{}

func (alwaysOnline) Probe(context.Context) error { return nil }

// pushNotifier adapts the push transport to the typing coalescer.
type pushNotifier struct{ push transport.Push }

func (n pushNotifier) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if n.push == nil {
		return nil
	}
	return n.push.SetTyping(ctx, chatID, typing)
}

// New creates a client over the given server API. Start must be called
// before any synchronization happens.
func New(api API, options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.NewReal()
	}

	var st store.Store
	if options.StoragePath == "" {
		st = store.NewMemoryStore()
	} else {
		sqlStore, err := store.OpenSQLite(options.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		st = sqlStore
	}

	push := options.Push
	if push == nil && options.PushURL != "" {
		push = transport.NewWSTransport(transport.WSConfig{
			URL:   options.PushURL,
			Token: options.PushToken,
		})
	}

	var prober connectivity.Prober
	if options.ProbeURL != "" {
		prober = connectivity.NewHTTPProber(options.ProbeURL)
	} else {
		prober = alwaysOnline{}
	}

	c := &Client{
		options: options,
		api:     api,
		st:      st,
		clk:     clk,
		bus:     event.NewDispatcher(clk),
		monitor: connectivity.NewMonitor(prober, clk),
		push:    push,
		pollers: make(map[string]*status.Poller),
	}
	c.coalescer = typing.NewCoalescer(pushNotifier{push: push}, clk)
	c.reconciler = outbox.NewReconciler(outbox.Config{
		Store:        st,
		Sender:       api,
		Dispatcher:   c.bus,
		Clock:        clk,
		Online:       c.monitor.IsOnline,
		SyncInterval: options.SyncInterval,
	})

	c.registerHandlers()
	c.wirePush()
	c.monitor.Subscribe(c.onConnectivityTransition)

	return c, nil
}

// Start brings the client online: it connects the push transport,
// starts connectivity probing, and begins periodic outbox passes. A
// failed push connect is not fatal; the client operates offline and
// reconnects when connectivity returns.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.startCtx = ctx
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Starting message sync client")

	if c.push != nil {
		if err := c.push.Connect(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err,
			}).Warn("Push transport connect failed, continuing offline")
		}
	}

	c.monitor.Start()
	c.reconciler.Start()
}

// Kill stops all background work and closes the local store.
func (c *Client) Kill() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	pollers := c.pollers
	c.pollers = make(map[string]*status.Poller)
	c.mu.Unlock()

	c.reconciler.Stop()
	c.monitor.Stop()
	for _, p := range pollers {
		p.StopPolling()
	}
	c.coalescer.Dispose()
	if c.push != nil {
		if err := c.push.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Kill",
				"error":    err,
			}).Warn("Push transport close failed")
		}
	}
	if err := c.st.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err,
		}).Warn("Local store close failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Message sync client stopped")
}

// SendMessage enqueues a text message for a chat. The entry is durable
// immediately; transmission happens on the next reconciliation pass,
// which is triggered right away while online.
func (c *Client) SendMessage(chatID, content string) (*store.OutboxEntry, error) {
	entry, err := c.reconciler.Enqueue(chatID, store.KindText, content, "")
	if err != nil {
		return nil, err
	}
	if c.monitor.IsOnline() {
		c.reconciler.SyncNow()
	}
	return entry, nil
}

// SendMediaMessage enqueues a media message referencing a local file.
// Media upload is not implemented; the entry fails terminally on its
// first pass and stays visible in the failed state.
func (c *Client) SendMediaMessage(chatID, localMediaRef string) (*store.OutboxEntry, error) {
	entry, err := c.reconciler.Enqueue(chatID, store.KindMedia, "", localMediaRef)
	if err != nil {
		return nil, err
	}
	if c.monitor.IsOnline() {
		c.reconciler.SyncNow()
	}
	return entry, nil
}

// RetryMessage manually re-enters a failed outbox entry into the
// queue with a fresh retry budget.
func (c *Client) RetryMessage(localID string) error {
	return c.reconciler.Retry(localID)
}

// CancelMessage removes an outbox entry regardless of state.
func (c *Client) CancelMessage(localID string) error {
	return c.reconciler.Cancel(localID)
}

// SyncNow triggers an immediate reconciliation pass and an immediate
// status poll for every chat being polled.
func (c *Client) SyncNow() {
	c.reconciler.SyncNow()
	c.mu.Lock()
	pollers := make([]*status.Poller, 0, len(c.pollers))
	for _, p := range c.pollers {
		pollers = append(pollers, p)
	}
	c.mu.Unlock()
	for _, p := range pollers {
		p.SyncNow()
	}
}

// Messages returns the cached message page for a chat.
func (c *Client) Messages(chatID string) ([]store.Message, error) {
	return c.st.GetMessages(chatID)
}

// Chats returns the cached chat list.
func (c *Client) Chats() ([]store.ChatSnapshot, error) {
	return c.st.GetChatList()
}

// RefreshChats overwrites the cached chat list wholesale.
func (c *Client) RefreshChats(chats []store.ChatSnapshot) error {
	return c.st.ReplaceChatList(chats)
}

// Outbox returns the pending outbox entries for a chat, oldest first.
// An empty chatID returns every entry.
func (c *Client) Outbox(chatID string) ([]*store.OutboxEntry, error) {
	return c.st.ListOutboxEntries(chatID)
}

// OutboxStats summarizes outbox occupancy by sync state.
func (c *Client) OutboxStats() (outbox.Stats, error) {
	return c.reconciler.Stats()
}

// EventStats returns dispatcher counters.
func (c *Client) EventStats() event.Stats {
	return c.bus.Stats()
}

// ClearLocalData wipes every store partition. Pending outbox entries
// are lost.
func (c *Client) ClearLocalData() error {
	return c.st.ClearAll()
}

// Keystroke records a keystroke in a chat for typing coalescing.
func (c *Client) Keystroke(chatID string) {
	c.coalescer.Keystroke(chatID)
}

// StopTyping explicitly ends the typing state for a chat, as when a
// message is sent or the input is cleared.
func (c *Client) StopTyping(chatID string) {
	c.coalescer.Stop(chatID)
}

// LeaveChat cancels typing state for a chat without a network call and
// stops status polling for it.
func (c *Client) LeaveChat(chatID string) {
	c.coalescer.CleanupChat(chatID)
	c.StopStatusPolling(chatID)
}

// StartStatusPolling begins the delivery-status poll loop for a chat.
// Starting an already polled chat is a no-op.
func (c *Client) StartStatusPolling(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pollers[chatID]; ok {
		return
	}
	p := status.NewPoller(c.api, c.bus, c.clk)
	p.StartPolling(chatID, c.options.StatusPollInterval)
	c.pollers[chatID] = p
}

// StopStatusPolling stops the poll loop for a chat.
func (c *Client) StopStatusPolling(chatID string) {
	c.mu.Lock()
	p, ok := c.pollers[chatID]
	if ok {
		delete(c.pollers, chatID)
	}
	c.mu.Unlock()
	if ok {
		p.StopPolling()
	}
}

// SetOnline feeds a passive connectivity signal, such as an OS
// network-change notification.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// IsOnline returns the current connectivity state.
func (c *Client) IsOnline() bool {
	return c.monitor.IsOnline()
}

// OnMessageReceived sets the callback for inbound messages.
func (c *Client) OnMessageReceived(cb MessageReceivedCallback) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

// OnMessageSentConfirmed sets the callback for send confirmations.
func (c *Client) OnMessageSentConfirmed(cb MessageSentConfirmedCallback) {
	c.mu.Lock()
	c.onConfirmed = cb
	c.mu.Unlock()
}

// OnMessageStatusChanged sets the callback for delivery-status
// changes.
func (c *Client) OnMessageStatusChanged(cb StatusChangedCallback) {
	c.mu.Lock()
	c.onStatus = cb
	c.mu.Unlock()
}

// OnSyncCompleted sets the callback for completed reconciliation
// passes.
func (c *Client) OnSyncCompleted(cb SyncCompletedCallback) {
	c.mu.Lock()
	c.onSync = cb
	c.mu.Unlock()
}

// OnPresenceChanged sets the callback for contact presence changes.
func (c *Client) OnPresenceChanged(cb PresenceCallback) {
	c.mu.Lock()
	c.onPresence = cb
	c.mu.Unlock()
}

// OnTypingChanged sets the callback for contact typing changes.
func (c *Client) OnTypingChanged(cb TypingCallback) {
	c.mu.Lock()
	c.onTyping = cb
	c.mu.Unlock()
}

// OnConnectivityChanged sets the callback for connectivity
// transitions.
func (c *Client) OnConnectivityChanged(cb ConnectivityCallback) {
	c.mu.Lock()
	c.onConnect = cb
	c.mu.Unlock()
}

// registerHandlers wires dispatcher events to cache updates and user
// callbacks. Handlers run sequentially on the dispatcher, so cache
// updates are ordered with respect to each other.
func (c *Client) registerHandlers() {
	c.bus.RegisterHandler(event.KindMessageReceived, func(ev event.Event) error {
		p := ev.Payload.(event.MessageReceived)
		if err := c.cacheMessage(p.Message); err != nil {
			return err
		}
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(p.Message)
		}
		return nil
	})

	c.bus.RegisterHandler(event.KindMessageSentConfirmed, func(ev event.Event) error {
		p := ev.Payload.(event.MessageSentConfirmed)
		c.mu.Lock()
		cb := c.onConfirmed
		c.mu.Unlock()
		if cb != nil {
			cb(p.LocalID, p.ServerID, p.ChatID)
		}
		return nil
	})

	c.bus.RegisterHandler(event.KindStatusChanged, func(ev event.Event) error {
		p := ev.Payload.(event.StatusChanged)
		if err := c.applyStatus(p.ChatID, p.MessageID, p.NewStatus); err != nil {
			return err
		}
		c.mu.Lock()
		cb := c.onStatus
		c.mu.Unlock()
		if cb != nil {
			cb(p.MessageID, p.ChatID, p.NewStatus)
		}
		return nil
	})

	c.bus.RegisterHandler(event.KindSyncCompleted, func(ev event.Event) error {
		p := ev.Payload.(event.SyncCompleted)
		c.mu.Lock()
		cb := c.onSync
		c.mu.Unlock()
		if cb != nil {
			cb(p.Sent, p.Failed)
		}
		return nil
	})

	c.bus.RegisterHandler(event.KindPresenceChanged, func(ev event.Event) error {
		p := ev.Payload.(event.PresenceChanged)
		c.mu.Lock()
		cb := c.onPresence
		c.mu.Unlock()
		if cb != nil {
			cb(p.UserID, p.Online)
		}
		return nil
	})

	c.bus.RegisterHandler(event.KindTypingChanged, func(ev event.Event) error {
		p := ev.Payload.(event.TypingChanged)
		c.mu.Lock()
		cb := c.onTyping
		c.mu.Unlock()
		if cb != nil {
			cb(p.ChatID, p.UserID, p.Typing)
		}
		return nil
	})
}

// wirePush converts push frames into dispatcher events. Frame ids are
// deterministic where the same occurrence can also arrive over the
// poll channel, so the dispatcher deduplicates across channels.
func (c *Client) wirePush() {
	if c.push == nil {
		return
	}

	c.push.OnMessage(func(f transport.MessageFrame) {
		if f.SenderID != c.options.SelfID {
			c.mu.Lock()
			ctx := c.startCtx
			c.mu.Unlock()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := c.push.AckDelivery(ctx, f.ID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "wirePush",
					"message_id": f.ID,
					"error":      err,
				}).Warn("Delivery ack failed")
			}
		}
		c.bus.Enqueue(event.New(event.MessageEventID(f.ID), c.clk.Now(), event.MessageReceived{
			Message: store.Message{
				ID:       f.ID,
				ChatID:   f.ChatID,
				SenderID: f.SenderID,
				Kind:     f.Kind,
				Content:  f.Content,
				Status:   store.StatusSent,
				SentAt:   f.SentAt,
			},
		}))
	})

	c.push.OnStatus(func(f transport.StatusFrame) {
		if f.LocalID != "" {
			// Confirmation for a message this client sent; shares the
			// reconciler's event id so whichever side lands second is
			// deduplicated.
			c.bus.Enqueue(event.New(event.ConfirmedEventID(f.LocalID), c.clk.Now(), event.MessageSentConfirmed{
				LocalID:  f.LocalID,
				ServerID: f.MessageID,
				ChatID:   f.ChatID,
			}))
			return
		}
		c.bus.Enqueue(event.New(event.StatusEventID(f.MessageID, f.Status), c.clk.Now(), event.StatusChanged{
			MessageID: f.MessageID,
			ChatID:    f.ChatID,
			NewStatus: f.Status,
			Origin:    event.OriginPush,
		}))
	})

	c.push.OnPresence(func(f transport.PresenceFrame) {
		c.bus.Enqueue(event.New(uuid.NewString(), c.clk.Now(), event.PresenceChanged{
			UserID: f.UserID,
			Online: f.Online,
		}))
	})

	c.push.OnTyping(func(f transport.TypingFrame) {
		c.bus.Enqueue(event.New(uuid.NewString(), c.clk.Now(), event.TypingChanged{
			ChatID: f.ChatID,
			UserID: f.UserID,
			Typing: f.Typing,
		}))
	})
}

// onConnectivityTransition reacts to monitor transitions: regaining
// connectivity triggers exactly one immediate reconciliation pass and
// reconnects the push transport if it dropped.
func (c *Client) onConnectivityTransition(online bool) {
	logrus.WithFields(logrus.Fields{
		"function": "onConnectivityTransition",
		"online":   online,
	}).Info("Connectivity changed")

	if online {
		c.mu.Lock()
		ctx := c.startCtx
		running := c.running
		c.mu.Unlock()
		if running && c.push != nil {
			if ctx == nil {
				ctx = context.Background()
			}
			if err := c.push.Connect(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "onConnectivityTransition",
					"error":    err,
				}).Warn("Push transport reconnect failed")
			}
		}
		c.SyncNow()
	}

	c.mu.Lock()
	cb := c.onConnect
	c.mu.Unlock()
	if cb != nil {
		cb(online)
	}
}

// cacheMessage appends an inbound message to its chat's cached page.
// Redelivered messages already in the page are ignored.
func (c *Client) cacheMessage(msg store.Message) error {
	page, err := c.st.GetMessages(msg.ChatID)
	if err != nil {
		return fmt.Errorf("load message page: %w", err)
	}
	for _, existing := range page {
		if existing.ID == msg.ID {
			return nil
		}
	}
	page = append(page, msg)
	if err := c.st.PutMessages(msg.ChatID, page); err != nil {
		return fmt.Errorf("store message page: %w", err)
	}
	return nil
}

// applyStatus updates the cached delivery status of a message. A
// status for a message not in the cache is not an error; the page may
// simply not be loaded.
func (c *Client) applyStatus(chatID, messageID string, newStatus store.DeliveryStatus) error {
	page, err := c.st.GetMessages(chatID)
	if err != nil {
		return fmt.Errorf("load message page: %w", err)
	}
	changed := false
	for i := range page {
		if page[i].ID == messageID && page[i].Status != newStatus {
			page[i].Status = newStatus
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := c.st.PutMessages(chatID, page); err != nil {
		return fmt.Errorf("store message page: %w", err)
	}
	return nil
}
