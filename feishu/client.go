package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"
)

// Message represents a received Feishu message
type Message struct {
	ChatID       string
	MsgID        string
	MsgType      string // text, image, post
	ChatType     string // p2p (private), group
	SenderOpenID string
	SenderName   string // resolved via the contact API, best-effort
	Content      string // text content (extracted from all supported types)
	IsMedia      bool   // true for image and other non-text payloads
}

// CardAction represents a pressed card button
type CardAction struct {
	OperatorOpenID string
	Action         string            // the button's "action" value
	Value          map[string]string // remaining button values
}

// MessageHandler is the callback for received messages
type MessageHandler func(msg *Message)

// CardActionHandler is the callback for card button presses. The returned
// string, if non-empty, is shown to the presser as a toast.
type CardActionHandler func(action *CardAction) string

// CardButton describes one button on an interactive card
type CardButton struct {
	Text    string
	Action  string
	Value   map[string]string
	Primary bool
}

// CardPayload is the renderable form of an interactive card
type CardPayload struct {
	Title   string
	Body    string
	Buttons []CardButton
}

// Client is the Feishu API client
type Client struct {
	appID        string
	appSecret    string
	larkCli      *lark.Client
	wsCli        *larkws.Client
	onMessage    MessageHandler
	onCardAction CardActionHandler
	log          *zap.Logger
	ctx          context.Context
	cancel       context.CancelFunc

	nameMu    sync.Mutex
	nameCache map[string]string
}

// NewClient creates a new Feishu client
func NewClient(appID, appSecret string, log *zap.Logger) *Client {
	return &Client{
		appID:     appID,
		appSecret: appSecret,
		log:       log.Named("feishu"),
		nameCache: make(map[string]string),
	}
}

// OnMessage sets the message handler
func (c *Client) OnMessage(handler MessageHandler) {
	c.onMessage = handler
}

// OnCardAction sets the card button handler
func (c *Client) OnCardAction(handler CardActionHandler) {
	c.onCardAction = handler
}

// Start connects to Feishu via WebSocket and blocks until the context is
// cancelled or the connection fails.
func (c *Client) Start() error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.larkCli = lark.NewClient(c.appID, c.appSecret)

	// Handlers must return quickly so the SDK can ACK; Feishu retries on
	// timeout, so the real work happens on a fresh goroutine.
	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			go c.handleMessage(event)
			return nil
		}).
		OnP2CardActionTrigger(func(ctx context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
			return c.handleCardAction(event), nil
		})

	c.wsCli = larkws.NewClient(c.appID, c.appSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	c.log.Info("starting websocket connection")
	return c.wsCli.Start(c.ctx)
}

// Stop disconnects from Feishu
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// handleMessage processes incoming Feishu messages
func (c *Client) handleMessage(event *larkim.P2MessageReceiveV1) {
	rawMsg := event.Event.Message
	if rawMsg == nil {
		return
	}

	// Drop the bot's own messages to prevent loops
	if event.Event.Sender != nil && event.Event.Sender.SenderType != nil {
		if *event.Event.Sender.SenderType == "app" {
			return
		}
	}

	msg := &Message{
		ChatID:  *rawMsg.ChatId,
		MsgID:   *rawMsg.MessageId,
		MsgType: *rawMsg.MessageType,
	}
	if rawMsg.ChatType != nil {
		msg.ChatType = *rawMsg.ChatType
	}
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil &&
		event.Event.Sender.SenderId.OpenId != nil {
		msg.SenderOpenID = *event.Event.Sender.SenderId.OpenId
	}
	msg.SenderName = c.ResolveName(msg.SenderOpenID)

	switch msg.MsgType {
	case "text":
		msg.Content = parseTextContent(*rawMsg.Content)
	case "image":
		msg.Content = "[image]"
		msg.IsMedia = true
	case "post":
		msg.Content = parsePostContent(*rawMsg.Content)
	case "file", "audio", "media", "sticker":
		msg.Content = "[" + msg.MsgType + "]"
		msg.IsMedia = true
	default:
		c.log.Debug("unsupported message type", zap.String("type", msg.MsgType))
		return
	}

	c.log.Debug("message received",
		zap.String("chat_id", msg.ChatID),
		zap.String("sender", msg.SenderOpenID),
		zap.String("type", msg.MsgType))

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// handleCardAction translates a button press and returns its toast
func (c *Client) handleCardAction(event *callback.CardActionTriggerEvent) *callback.CardActionTriggerResponse {
	if event.Event == nil || c.onCardAction == nil {
		return &callback.CardActionTriggerResponse{}
	}

	action := &CardAction{
		OperatorOpenID: event.Event.Operator.OpenID,
		Value:          make(map[string]string),
	}
	for k, v := range event.Event.Action.Value {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "action" {
			action.Action = s
		} else {
			action.Value[k] = s
		}
	}

	toast := c.onCardAction(action)
	if toast == "" {
		return &callback.CardActionTriggerResponse{}
	}
	return &callback.CardActionTriggerResponse{
		Toast: &callback.Toast{
			Type:    "info",
			Content: toast,
		},
	}
}

// parseTextContent extracts text from a text message
func parseTextContent(content string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return parsed.Text
}

// parsePostContent flattens a rich text message into plain lines
func parsePostContent(content string) string {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}

	out := ""
	if parsed.Title != "" {
		out = parsed.Title
	}
	for _, line := range parsed.Content {
		lineText := ""
		for _, elem := range line {
			if elem.Tag == "text" && elem.Text != "" {
				lineText += elem.Text
			}
		}
		if lineText != "" {
			if out != "" {
				out += "\n"
			}
			out += lineText
		}
	}
	return out
}

// SendText sends a text message to a user by open_id
func (c *Client) SendText(ctx context.Context, openID, text string) error {
	content := map[string]string{"text": text}
	contentJSON, _ := json.Marshal(content)

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(openID).
			MsgType(larkim.MsgTypeText).
			Content(string(contentJSON)).
			Build()).
		Build()

	resp, err := c.larkCli.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("send message error: %s", resp.Msg)
	}
	return nil
}

// SendCard sends an interactive card to a user by open_id
func (c *Client) SendCard(ctx context.Context, openID string, payload *CardPayload) error {
	contentJSON, err := json.Marshal(buildCard(payload))
	if err != nil {
		return fmt.Errorf("build card failed: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(openID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(contentJSON)).
			Build()).
		Build()

	resp, err := c.larkCli.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("send card failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("send card error: %s", resp.Msg)
	}
	return nil
}

// buildCard renders the card payload into the Feishu card JSON shape
func buildCard(payload *CardPayload) map[string]interface{} {
	elements := []interface{}{
		map[string]interface{}{
			"tag": "div",
			"text": map[string]interface{}{
				"tag":     "lark_md",
				"content": payload.Body,
			},
		},
	}

	if len(payload.Buttons) > 0 {
		actions := make([]interface{}, 0, len(payload.Buttons))
		for _, btn := range payload.Buttons {
			value := map[string]interface{}{"action": btn.Action}
			for k, v := range btn.Value {
				value[k] = v
			}
			btnType := "default"
			if btn.Primary {
				btnType = "primary"
			}
			actions = append(actions, map[string]interface{}{
				"tag": "button",
				"text": map[string]interface{}{
					"tag":     "plain_text",
					"content": btn.Text,
				},
				"type":  btnType,
				"value": value,
			})
		}
		elements = append(elements, map[string]interface{}{
			"tag":     "action",
			"actions": actions,
		})
	}

	card := map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"elements": elements,
	}
	if payload.Title != "" {
		card["header"] = map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": payload.Title,
			},
			"template": "blue",
		}
	}
	return card
}

// ResolveName looks up a user's display name by open_id, with a cache.
// Falls back to the open_id when the contact API is unavailable.
func (c *Client) ResolveName(openID string) string {
	if openID == "" {
		return ""
	}

	c.nameMu.Lock()
	if name, ok := c.nameCache[openID]; ok {
		c.nameMu.Unlock()
		return name
	}
	c.nameMu.Unlock()

	name := openID
	if c.larkCli != nil {
		req := larkcontact.NewGetUserReqBuilder().
			UserId(openID).
			UserIdType("open_id").
			Build()
		resp, err := c.larkCli.Contact.User.Get(context.Background(), req)
		if err == nil && resp.Success() &&
			resp.Data != nil && resp.Data.User != nil && resp.Data.User.Name != nil {
			name = *resp.Data.User.Name
		} else if err != nil {
			c.log.Debug("name lookup failed", zap.String("open_id", openID), zap.Error(err))
		}
	}

	c.nameMu.Lock()
	c.nameCache[openID] = name
	c.nameMu.Unlock()
	return name
}
