package ws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"plantchat/internal/domain"
	"plantchat/internal/notify"
	"plantchat/internal/security"
	"plantchat/internal/service"
	"plantchat/internal/session"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool {
			return true
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Command is a client-to-server frame.
type Command struct {
	Type           string                     `json:"type"`
	RequestID      string                     `json:"request_id,omitempty"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	RecipientID    string                     `json:"recipient_id,omitempty"`
	ListingID      *string                    `json:"listing_id,omitempty"`
	Content        string                     `json:"content,omitempty"`
	Image          *ImagePayload              `json:"image,omitempty"`
	Visible        *bool                      `json:"visible,omitempty"`
	Permission     string                     `json:"permission,omitempty"`
	Subscription   *service.SubscriptionInput `json:"subscription,omitempty"`
	Token          string                     `json:"token,omitempty"`
}

// ImagePayload is an inline image attachment, base64 encoded.
type ImagePayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// Options configure the /ws endpoint.
type Options struct {
	AllowedOrigins    []string
	SendRatePerSecond float64
	HeartbeatEvery    time.Duration
	Logger            *slog.Logger
}

// reportedPrompter answers a permission prompt with what the client's
// runtime already decided.
type reportedPrompter struct {
	state domain.PermissionState
	sub   *service.SubscriptionInput
}

func (p reportedPrompter) Prompt(context.Context) (domain.PermissionState, *service.SubscriptionInput, error) {
	return p.state, p.sub, nil
}

var _ notify.Prompter = reportedPrompter{}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or Sec-WebSocket-Protocol),
// starts a session for the connection and dispatches client commands:
//   - hello              -> report notification permission
//   - open_conversation  -> open (and focus) a conversation view
//   - close_conversation -> release a conversation view
//   - send               -> send a message (rate limited)
//   - mark_read          -> mark a conversation read
//   - visibility         -> foreground / background
//   - heartbeat          -> refresh presence
//   - request_permission -> report the permission prompt result
//   - reauthenticate     -> switch to a fresh token
func MakeHandler(hub *Hub, tokens *security.TokenService, deps session.Deps, opts Options) http.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")
	heartbeatEvery := opts.HeartbeatEvery
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}
	sendRate := opts.SendRatePerSecond
	if sendRate <= 0 {
		sendRate = 5
	}

	checkOrigin := makeCheckOrigin(opts.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		principal, err := tokens.Principal(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(maxMessageSize)

		client := newClient(conn, logger.With("user", principal.UserID))
		go client.writePump()

		sess := session.New(principal, deps, client)
		hub.Register(principal.UserID, client)
		client.logger.Debug("websocket connected", "user_connections", hub.Count(principal.UserID))
		defer func() {
			hub.Unregister(sess.Principal().UserID, client)
			sess.Close()
			client.Close()
		}()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		if err := sess.Start(ctx); err != nil {
			client.Emit(session.ErrorEvent("", err))
			return
		}
		go keepPresence(ctx, sess, heartbeatEvery)

		c := &connection{
			hub:     hub,
			tokens:  tokens,
			sess:    sess,
			client:  client,
			limiter: rate.NewLimiter(rate.Limit(sendRate), int(sendRate)+1),
			logger:  client.logger,
		}
		c.readLoop(ctx)
	}
}

func keepPresence(ctx context.Context, sess *session.Session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.Heartbeat(ctx)
		}
	}
}

type connection struct {
	hub     *Hub
	tokens  *security.TokenService
	sess    *session.Session
	client  *Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *connection) readLoop(ctx context.Context) {
	conn := c.client.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.client.Emit(session.ErrorEvent("", &domain.ValidationError{Reason: "malformed command"}))
				continue
			}
			return
		}
		c.dispatch(ctx, cmd)
	}
}

func (c *connection) dispatch(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Type {
	case "hello":
		c.sess.SetPermission(domain.ParsePermission(cmd.Permission))

	case "open_conversation":
		_, err = c.sess.OpenConversation(ctx, cmd.ConversationID)

	case "close_conversation":
		c.sess.CloseConversation(ctx, cmd.ConversationID)

	case "send":
		err = c.send(ctx, cmd)

	case "mark_read":
		_, err = c.sess.MarkRead(ctx, cmd.ConversationID)

	case "visibility":
		if cmd.Visible == nil {
			err = &domain.ValidationError{Field: "visible", Reason: "is required"}
			break
		}
		c.sess.SetVisibility(ctx, *cmd.Visible)

	case "heartbeat":
		c.sess.Heartbeat(ctx)

	case "request_permission":
		_, err = c.sess.RequestNotificationPermission(ctx, reportedPrompter{
			state: domain.ParsePermission(cmd.Permission),
			sub:   cmd.Subscription,
		})

	case "reauthenticate":
		err = c.reauthenticate(ctx, cmd.Token)

	default:
		c.logger.Debug("unknown command", "type", cmd.Type)
		err = &domain.ValidationError{Field: "type", Reason: "unknown command " + cmd.Type}
	}
	if err != nil {
		c.logger.Debug("command failed", "type", cmd.Type, "error", err)
		c.client.Emit(session.ErrorEvent(cmd.RequestID, err))
	}
}

func (c *connection) send(ctx context.Context, cmd Command) error {
	if !c.limiter.Allow() {
		return &domain.ValidationError{Reason: "sending too fast, slow down"}
	}
	req := session.SendRequest{
		ConversationID: cmd.ConversationID,
		RecipientID:    cmd.RecipientID,
		ListingID:      cmd.ListingID,
		Content:        cmd.Content,
	}
	if cmd.Image != nil {
		data, err := base64.StdEncoding.DecodeString(cmd.Image.Data)
		if err != nil {
			return &domain.ValidationError{Field: "image", Reason: "must be base64"}
		}
		req.Image = &service.ImageUpload{Filename: cmd.Image.Filename, Body: bytes.NewReader(data)}
	}
	msg, err := c.sess.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	c.client.Emit(session.Event{
		Type:           session.EventSent,
		RequestID:      cmd.RequestID,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	return nil
}

func (c *connection) reauthenticate(ctx context.Context, token string) error {
	p, err := c.tokens.Principal(token)
	if err != nil {
		return err
	}
	prev := c.sess.Principal()
	if err := c.sess.Reauthenticate(ctx, p); err != nil {
		return err
	}
	c.hub.Move(prev.UserID, p.UserID, c.client)
	return nil
}
