package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"clock-onair/internal/bus"
	"clock-onair/internal/devices"
	"clock-onair/internal/line"
	"clock-onair/internal/nowplaying"
	"clock-onair/internal/ntpsync"
)

// Client roles. A client is unclassified until its hello arrives.
const (
	RoleChat       = "chat"
	RoleMonitoring = "monitoring"
)

const (
	defaultHistorySize     = 20
	defaultDevicesInterval = 3 * time.Second
	defaultUser            = "Anonyme"

	clientSendBuffer = 32

	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// DeviceFanout pushes frames to the hardware side.
type DeviceFanout interface {
	Broadcast(v any)
}

// Client is one websocket connection seen from the broker. The
// transport layer owns the socket; the broker owns classification and
// fan-out. Frames to deliver appear on the send channel.
type Client struct {
	send chan []byte

	// Touched only from the broker loop.
	role string
	user string
}

// NewClient creates an unclassified client.
func NewClient() *Client {
	return &Client{send: make(chan []byte, clientSendBuffer)}
}

// Send is the channel of outgoing frames for this client. It is closed
// when the client leaves or falls too far behind.
func (c *Client) Send() <-chan []byte {
	return c.send
}

type inboundMessage struct {
	client *Client
	data   []byte
}

type outboundFrame struct {
	roles []string
	data  []byte
}

type chatEntry struct {
	User string `json:"user"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

// Config wires the broker to the rest of the backend. Events and
// Logger are required; everything else degrades to a no-op.
type Config struct {
	Events   *bus.Bus
	Registry *devices.Registry
	Fanout   DeviceFanout
	Logger   *slog.Logger

	NTPStatus  func() ntpsync.Status
	NowPlaying func() *nowplaying.Snapshot

	HistorySize     int
	DevicesInterval time.Duration
}

// Broker classifies websocket clients by role and fans studio events
// out to them. All client state lives in the run loop; the public
// methods only pass messages into it.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	outbound   chan outboundFrame
	done       chan struct{}
	stopOnce   sync.Once
	unsubs     []func()

	// Loop-owned.
	clients map[*Client]struct{}
	history []chatEntry

	mu        sync.RWMutex
	chatCount int
	monCount  int
}

// New creates a broker. Call Start to begin processing.
func New(cfg Config) *Broker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.DevicesInterval <= 0 {
		cfg.DevicesInterval = defaultDevicesInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "broker"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage, 64),
		outbound:   make(chan outboundFrame, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Start subscribes to the event bus and launches the run loop.
func (b *Broker) Start() {
	if b.cfg.Events != nil {
		b.unsubs = append(b.unsubs,
			b.cfg.Events.On(bus.EventNowPlaying, func(ev bus.Event) {
				b.fanout([]string{RoleChat, RoleMonitoring}, map[string]any{
					"type":       "nowPlaying",
					"nowPlaying": ev.Data,
				})
			}),
			b.cfg.Events.On(bus.EventNTPStatus, func(ev bus.Event) {
				b.fanout([]string{RoleMonitoring}, map[string]any{
					"type": "ntp",
					"ntp":  ev.Data,
				})
			}),
		)
	}
	go b.run()
}

// Stop ends the run loop and disconnects every client.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		for _, unsub := range b.unsubs {
			unsub()
		}
		close(b.done)
	})
}

// Join registers a new, unclassified client.
func (b *Broker) Join(c *Client) {
	select {
	case b.register <- c:
	case <-b.done:
	}
}

// Leave removes a client; its send channel is closed by the loop.
func (b *Broker) Leave(c *Client) {
	select {
	case b.unregister <- c:
	case <-b.done:
	}
}

// Handle feeds one raw frame from a client into the broker.
func (b *Broker) Handle(c *Client, data []byte) {
	select {
	case b.inbound <- inboundMessage{client: c, data: data}:
	case <-b.done:
	}
}

// ChatCount returns the number of classified chat clients.
func (b *Broker) ChatCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chatCount
}

// MonitoringCount returns the number of classified monitoring clients.
func (b *Broker) MonitoringCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.monCount
}

// fanout is safe to call from any goroutine.
func (b *Broker) fanout(roles []string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal broadcast", "err", err)
		return
	}
	select {
	case b.outbound <- outboundFrame{roles: roles, data: data}:
	case <-b.done:
	}
}

func (b *Broker) run() {
	ticker := time.NewTicker(b.cfg.DevicesInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-b.register:
			b.clients[c] = struct{}{}

		case c := <-b.unregister:
			b.dropClient(c)

		case msg := <-b.inbound:
			b.handleMessage(msg.client, msg.data)

		case frame := <-b.outbound:
			b.broadcast(frame.roles, frame.data)

		case <-ticker.C:
			b.pushDevices()

		case <-b.done:
			for c := range b.clients {
				close(c.send)
				delete(b.clients, c)
			}
			b.setCounts()
			return
		}
	}
}

func (b *Broker) dropClient(c *Client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
	b.setCounts()
	if c.role == RoleChat {
		b.broadcastJSON([]string{RoleChat}, map[string]any{
			"type":  "users",
			"count": b.countRole(RoleChat),
		})
	}
}

func (b *Broker) setCounts() {
	chat, mon := b.countRole(RoleChat), b.countRole(RoleMonitoring)
	b.mu.Lock()
	b.chatCount = chat
	b.monCount = mon
	b.mu.Unlock()
}

func (b *Broker) countRole(role string) int {
	n := 0
	for c := range b.clients {
		if c.role == role {
			n++
		}
	}
	return n
}

type helloMessage struct {
	Role string `json:"role"`
	User string `json:"user"`
}

type chatMessage struct {
	Text string `json:"text"`
}

type topMessage struct {
	Studio   string `json:"studio"`
	Active   bool   `json:"active"`
	FromUser string `json:"fromUser"`
}

type configMessage struct {
	Config  string `json:"config"`
	Enabled bool   `json:"enabled"`
	Channel int    `json:"channel"`
}

type ordresMessage struct {
	Channel int  `json:"channel"`
	Active  bool `json:"active"`
}

func (b *Broker) handleMessage(c *Client, data []byte) {
	// The read pump queues frames before its Leave; an unregister that
	// wins the select closes the send channel, so frames from a client
	// no longer in the table must not reach a handler.
	if _, ok := b.clients[c]; !ok {
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Debug("dropping malformed frame", "err", err)
		return
	}

	switch envelope.Type {
	case "hello":
		var msg helloMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("dropping malformed hello", "err", err)
			return
		}
		b.handleHello(c, msg)

	case "chat":
		var msg chatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("dropping malformed chat", "err", err)
			return
		}
		b.handleChat(c, msg)

	case "top":
		var msg topMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("dropping malformed top", "err", err)
			return
		}
		b.handleTop(c, msg)

	case "config":
		var msg configMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("dropping malformed config", "err", err)
			return
		}
		b.handleConfig(c, msg)

	case "ordres":
		var msg ordresMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("dropping malformed ordres", "err", err)
			return
		}
		b.handleOrdres(c, msg)

	default:
		b.logger.Debug("dropping unknown frame type", "type", envelope.Type)
	}
}

// handleHello classifies the client. The role sticks for the lifetime
// of the connection; repeated hellos are ignored.
func (b *Broker) handleHello(c *Client, msg helloMessage) {
	if c.role != "" {
		return
	}
	role := msg.Role
	if role == "" {
		role = RoleChat
	}
	user := msg.User
	if user == "" {
		user = defaultUser
	}
	c.role = role
	c.user = user
	b.setCounts()

	switch role {
	case RoleChat:
		b.unicastJSON(c, map[string]any{
			"type":    "history",
			"history": b.historySnapshot(),
		})
		b.broadcastJSON([]string{RoleChat}, map[string]any{
			"type":  "users",
			"count": b.countRole(RoleChat),
		})
	case RoleMonitoring:
		b.unicastJSON(c, b.statusPayload())
	default:
		b.logger.Debug("client joined with unknown role", "role", role)
	}
}

func (b *Broker) statusPayload() map[string]any {
	payload := map[string]any{
		"type":      "status",
		"chatUsers": b.countRole(RoleChat),
	}
	if b.cfg.NTPStatus != nil {
		payload["ntp"] = b.cfg.NTPStatus()
	}
	if b.cfg.NowPlaying != nil {
		payload["nowPlaying"] = b.cfg.NowPlaying()
	}
	return payload
}

func (b *Broker) handleChat(c *Client, msg chatMessage) {
	if c.role != RoleChat {
		return
	}
	entry := chatEntry{User: c.user, Text: msg.Text, Ts: time.Now().UTC().Format(isoMillis)}
	b.history = append(b.history, entry)
	if len(b.history) > b.cfg.HistorySize {
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}
	b.broadcastJSON([]string{RoleChat}, map[string]any{
		"type":    "chat",
		"message": entry,
	})
	b.emit(bus.EventChat, map[string]any{"user": entry.User, "text": entry.Text, "ts": entry.Ts})
}

// handleTop relays a top-of-hour signal to every client. An empty
// studio means the signal applies to all studios.
func (b *Broker) handleTop(c *Client, msg topMessage) {
	from := msg.FromUser
	if from == "" {
		from = c.user
	}
	if from == "" {
		from = defaultUser
	}
	payload := map[string]any{
		"type":     "top",
		"studio":   nil, // null means every studio
		"active":   msg.Active,
		"fromUser": from,
		"ts":       time.Now().UTC().Format(isoMillis),
	}
	if msg.Studio != "" {
		payload["studio"] = msg.Studio
	}
	b.broadcastJSON([]string{RoleChat, RoleMonitoring}, payload)
	b.emit(bus.EventTop, map[string]any{"studio": msg.Studio, "active": msg.Active, "fromUser": from})
}

// handleConfig relays a studio configuration toggle to chat clients
// only; monitoring dashboards do not act on configuration.
func (b *Broker) handleConfig(c *Client, msg configMessage) {
	channel := msg.Channel
	if channel == 0 {
		channel = 1
	}
	b.broadcastJSON([]string{RoleChat}, map[string]any{
		"type":     "config",
		"config":   msg.Config,
		"enabled":  msg.Enabled,
		"channel":  channel,
		"fromUser": b.userOrDefault(c),
		"ts":       time.Now().UTC().Format(isoMillis),
	})
	b.emit(bus.EventConfig, map[string]any{"config": msg.Config, "enabled": msg.Enabled, "channel": channel})
}

// handleOrdres forwards a channel order to the hardware fan-out and
// mirrors it to every websocket client.
func (b *Broker) handleOrdres(c *Client, msg ordresMessage) {
	channel := msg.Channel
	if channel == 0 {
		channel = 1
	}
	state := 0
	if msg.Active {
		state = 1
	}
	if b.cfg.Fanout != nil {
		b.cfg.Fanout.Broadcast(line.Frame{Cmd: "ordres", Channel: channel, State: state})
	}
	b.broadcastJSON([]string{RoleChat, RoleMonitoring}, map[string]any{
		"type":     "ordres",
		"channel":  channel,
		"active":   msg.Active,
		"fromUser": b.userOrDefault(c),
		"ts":       time.Now().UTC().Format(isoMillis),
	})
	b.emit(bus.EventOrdres, map[string]any{"channel": channel, "active": msg.Active})
}

func (b *Broker) userOrDefault(c *Client) string {
	if c.user != "" {
		return c.user
	}
	return defaultUser
}

func (b *Broker) pushDevices() {
	if b.cfg.Registry == nil || b.countRole(RoleMonitoring) == 0 {
		return
	}
	b.broadcastJSON([]string{RoleMonitoring}, map[string]any{
		"type":    "devices",
		"devices": b.cfg.Registry.List(),
		"ts":      time.Now().UTC().Format(isoMillis),
	})
}

func (b *Broker) historySnapshot() []chatEntry {
	out := make([]chatEntry, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Broker) emit(eventType string, data map[string]any) {
	if b.cfg.Events == nil {
		return
	}
	b.cfg.Events.Emit(bus.Event{Type: eventType, Data: data})
}

func (b *Broker) broadcastJSON(roles []string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal broadcast", "err", err)
		return
	}
	b.broadcast(roles, data)
}

func (b *Broker) broadcast(roles []string, data []byte) {
	for c := range b.clients {
		match := false
		for _, role := range roles {
			if c.role == role {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		b.deliver(c, data)
	}
}

func (b *Broker) unicastJSON(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal unicast", "err", err)
		return
	}
	b.deliver(c, data)
}

// deliver never blocks; a client whose buffer is full is dropped.
// Only registered clients have an open send channel.
func (b *Broker) deliver(c *Client, data []byte) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		b.logger.Warn("dropping slow client", "role", c.role, "user", c.user)
		b.dropClient(c)
	}
}
