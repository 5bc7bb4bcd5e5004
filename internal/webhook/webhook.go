// Package webhook delivers approval lifecycle events to a configured
// endpoint. Delivery is fire-and-forget: the decision that triggered the
// event is never rolled back on delivery failure.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"agentguard/internal/approval"
)

// Event types sent over the wire.
const (
	EventApprovalCreated  = "approval.created"
	EventApprovalApproved = "approval.approved"
	EventApprovalDenied   = "approval.denied"
)

const deliveryTimeout = 5 * time.Second

// Payload is the wire format for non-Slack destinations. Decision fields
// are present only on approval.approved / approval.denied events.
type Payload struct {
	Event          string         `json:"event"`
	Timestamp      string         `json:"timestamp"`
	ApprovalID     string         `json:"approval_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	DecisionBy     string         `json:"decision_by,omitempty"`
}

// Notifier posts events to a single configured URL. Slack incoming
// webhooks are detected by URL and receive a rendered attachment message;
// every other destination receives the raw JSON payload, signed with
// X-AgentGuard-Signature when a secret is configured. An empty URL
// disables delivery entirely.
type Notifier struct {
	url    string
	secret string
	client *http.Client
}

// NewNotifier builds a notifier for the given destination. secret may be
// empty, in which case payloads are unsigned.
func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Enabled reports whether a destination is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// ApprovalCreated notifies that a new request needs a human decision.
// agentName is joined in by the caller since freshly created requests
// carry only the agent ID.
func (n *Notifier) ApprovalCreated(req *approval.Request, agentName string) {
	if !n.Enabled() {
		return
	}
	p := Payload{
		Event:      EventApprovalCreated,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ApprovalID: req.ApprovalID,
		AgentID:    req.AgentID,
		AgentName:  agentName,
		Action:     req.Action,
		Resource:   req.Resource,
		Context:    req.Context,
	}
	go n.deliver(p)
}

// ApprovalDecided notifies that a request was approved or denied. The
// request must already carry its decision fields.
func (n *Notifier) ApprovalDecided(req *approval.Request) {
	if !n.Enabled() {
		return
	}
	event := EventApprovalApproved
	if req.Status == approval.StatusDenied {
		event = EventApprovalDenied
	}
	p := Payload{
		Event:      event,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ApprovalID: req.ApprovalID,
		AgentID:    req.AgentID,
		AgentName:  req.AgentName,
		Action:     req.Action,
		Resource:   req.Resource,
	}
	if req.DecisionReason != nil {
		p.DecisionReason = *req.DecisionReason
	}
	if req.DecisionBy != nil {
		p.DecisionBy = *req.DecisionBy
	}
	go n.deliver(p)
}

func (n *Notifier) deliver(p Payload) {
	var err error
	if strings.Contains(n.url, "slack.com") {
		err = n.postSlack(p)
	} else {
		err = n.postJSON(p)
	}
	if err != nil {
		slog.Warn("webhook delivery failed", "event", p.Event, "approval_id", p.ApprovalID, "err", err)
		return
	}
	slog.Debug("webhook delivered", "event", p.Event, "approval_id", p.ApprovalID)
}

func (n *Notifier) postSlack(p Payload) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	return slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, slackMessage(p, time.Now()))
}

func (n *Notifier) postJSON(p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-AgentGuard-Signature", "sha256="+Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers verify
// the X-AgentGuard-Signature header by recomputing this over the exact
// request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// slackMessage renders an event as a Slack attachment. Colors follow the
// approval state: amber pending, green approved, red denied.
func slackMessage(p Payload, now time.Time) *slack.WebhookMessage {
	var title, color string
	switch p.Event {
	case EventApprovalApproved:
		title = "AgentGuard — Request Approved :white_check_mark:"
		color = "#10B981"
	case EventApprovalDenied:
		title = "AgentGuard — Request Denied :x:"
		color = "#EF4444"
	default:
		title = "AgentGuard — Human Approval Required :hourglass_flowing_sand:"
		color = "#F59E0B"
	}

	agent := p.AgentName
	if agent == "" {
		agent = p.AgentID
	}
	fields := []slack.AttachmentField{
		{Title: "Agent", Value: agent, Short: true},
		{Title: "Action", Value: "`" + p.Action + "`", Short: true},
	}
	if p.Resource != "" {
		fields = append(fields, slack.AttachmentField{Title: "Resource", Value: "`" + p.Resource + "`", Short: true})
	}
	if p.DecisionBy != "" {
		decision := p.DecisionBy
		if p.DecisionReason != "" {
			decision += " — " + p.DecisionReason
		}
		fields = append(fields, slack.AttachmentField{Title: "Decision", Value: decision, Short: false})
	}

	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  title,
			Fields: fields,
			Footer: "AgentGuard",
			Ts:     json.Number(strconv.FormatInt(now.Unix(), 10)),
		}},
	}
}
