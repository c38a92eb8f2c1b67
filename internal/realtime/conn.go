// Package realtime maintains one authenticated change-feed channel:
// row-level change events on subscribed tables plus an ad hoc broadcast
// topic, delivered over a websocket with a phoenix-style framing.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Status is the last observed connection state of the subscription.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	defaultTopicPrefix = "realtime:plugin"
)

type Options struct {
	// URL is the websocket endpoint, e.g.
	// wss://realtime.example.com/realtime/v1/websocket.
	URL    string
	APIKey string
	// AccessToken is the channel auth token the service issued for this
	// user. The channel topic is scoped to the token's subject claim.
	AccessToken string
	// Topic overrides the derived channel topic.
	Topic string
	// Tables to watch for row-level changes. Defaults to notebooks and notes.
	Tables            []TableBinding
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration

	OnChange    func(ev ChangeEvent)
	OnBroadcast func(ev BroadcastEvent)
	OnStatus    func(status Status)

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Conn is an owned connection handle: one subscription, opened by Dial
// and severed by Close. It does not reconnect; the supervisor replaces
// the whole handle instead.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	topic  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	status    atomic.Value
	refs      atomic.Int64
	joined    chan struct{}
	joinOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the websocket, joins the channel with the table and
// broadcast bindings, and starts the read and heartbeat loops. The
// returned handle reports SUBSCRIBED asynchronously once the join is
// acknowledged.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if err := compileSchemas(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("realtime: url is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Tables) == 0 {
		opts.Tables = []TableBinding{
			{Event: "*", Schema: "public", Table: "notebooks"},
			{Event: "*", Schema: "public", Table: "notes"},
		}
	}
	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		topic = deriveTopic(opts.AccessToken)
	}

	dialURL, err := buildDialURL(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		opts:   opts,
		topic:  topic,
		logger: opts.Logger,
		ctx:    connCtx,
		cancel: cancel,
		joined: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.status.Store(StatusClosed)

	if err := c.join(ctx); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "join failed")
		cancel()
		return nil, err
	}

	go c.readLoop()
	go c.heartbeatLoop()
	go c.joinWatchdog()
	return c, nil
}

// Status returns the last observed connection state.
func (c *Conn) Status() Status {
	return c.status.Load().(Status)
}

// Done is closed when the connection is no longer usable, whether the
// peer dropped it or Close was called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close severs the subscription. Work already dispatched by event
// handlers is unaffected.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setStatus(StatusClosed)
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "client stopping")
		close(c.done)
	})
	return err
}

func (c *Conn) join(ctx context.Context) error {
	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{
			Broadcast:       broadcastConfig{Self: false},
			PostgresChanges: c.opts.Tables,
		},
		AccessToken: c.opts.AccessToken,
	})
	if err != nil {
		return err
	}
	ref := c.nextRef()
	return wsjson.Write(ctx, c.ws, message{
		Topic:   c.topic,
		Event:   eventJoin,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	})
}

func (c *Conn) readLoop() {
	defer func() {
		c.cancel()
		c.closeOnce.Do(func() {
			_ = c.ws.CloseNow()
			close(c.done)
		})
	}()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("realtime: read failed", slog.String("error", err.Error()))
				c.setStatus(StatusClosed)
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("realtime: dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg message) {
	switch msg.Event {
	case eventReply:
		if msg.Topic != c.topic {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		if reply.Status == "ok" {
			c.joinOnce.Do(func() {
				close(c.joined)
				c.setStatus(StatusSubscribed)
			})
		} else {
			c.setStatus(StatusChannelError)
		}
	case eventChanges:
		if err := validatePayload(changeValidator, msg.Payload); err != nil {
			c.logger.Debug("realtime: dropping malformed change event", slog.String("error", err.Error()))
			return
		}
		var payload changesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if c.opts.OnChange != nil {
			c.opts.OnChange(payload.Data)
		}
	case eventBroadcast:
		if err := validatePayload(broadcastVal, msg.Payload); err != nil {
			c.logger.Debug("realtime: dropping malformed broadcast", slog.String("error", err.Error()))
			return
		}
		var ev BroadcastEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return
		}
		if c.opts.OnBroadcast != nil {
			c.opts.OnBroadcast(ev)
		}
	case eventSystem:
		var sys struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &sys); err == nil && sys.Status == "error" {
			c.logger.Debug("realtime: system error", slog.String("message", sys.Message))
			c.setStatus(StatusChannelError)
		}
	case eventError:
		c.setStatus(StatusChannelError)
	case eventClose:
		c.setStatus(StatusClosed)
		c.cancel()
	}
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			msg := message{
				Topic:   heartbeatTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.opts.HeartbeatInterval/2)
			err := wsjson.Write(writeCtx, c.ws, msg)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.setStatus(StatusClosed)
				}
				c.cancel()
				return
			}
		}
	}
}

// joinWatchdog flags the subscription as timed out when the join
// acknowledgment never arrives. The transport's own heartbeat handles
// timeouts after that point.
func (c *Conn) joinWatchdog() {
	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-c.joined:
	case <-c.ctx.Done():
	case <-timer.C:
		c.setStatus(StatusTimedOut)
	}
}

func (c *Conn) setStatus(status Status) {
	c.status.Store(status)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status)
	}
}

func (c *Conn) nextRef() string {
	return fmt.Sprintf("%d", c.refs.Add(1))
}

// deriveTopic scopes the channel to the authenticated identity using the
// auth token's subject claim. The token is minted by the service and
// verified there; the client only reads the claim.
func deriveTopic(accessToken string) string {
	if strings.TrimSpace(accessToken) == "" {
		return defaultTopicPrefix
	}
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return defaultTopicPrefix
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return defaultTopicPrefix
	}
	return defaultTopicPrefix + ":" + subject
}

func buildDialURL(rawURL, apiKey string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	q := parsed.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
