package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendApprovalRequested asks approvers to review a catalog item.
func (c *Client) SendApprovalRequested(ctx context.Context, to []string, itemName string, requestID int64, impact decimal.Decimal) error {
	if len(to) == 0 {
		return nil
	}
	link := fmt.Sprintf("%s/approvals/%d", c.baseURL, requestID)
	subject := fmt.Sprintf("Approval requested: %s", itemName)
	text := fmt.Sprintf(
		"A new reward is waiting for your review.\n\nItem: %s\nEstimated cost: %s\n\nReview it here:\n%s",
		itemName, impact.StringFixed(2), link,
	)
	body := fmt.Sprintf(
		`<p>A new reward is waiting for your review.</p><p><strong>%s</strong><br>Estimated cost: %s</p><p><a href="%s">Review request</a></p>`,
		html.EscapeString(itemName), impact.StringFixed(2), link,
	)
	return c.send(ctx, postmarkEmail{
		To:       strings.Join(to, ","),
		Subject:  subject,
		HtmlBody: body,
		TextBody: text,
		Tag:      "approval-requested",
	})
}

// SendApprovalDecision tells the requester whether their item was approved.
func (c *Client) SendApprovalDecision(ctx context.Context, to, itemName string, approved bool, note string) error {
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	subject := fmt.Sprintf("%s was %s", itemName, verdict)
	text := fmt.Sprintf("Your reward %q was %s.", itemName, verdict)
	body := fmt.Sprintf(`<p>Your reward <strong>%s</strong> was %s.</p>`, html.EscapeString(itemName), verdict)
	if note != "" {
		text += "\n\nReviewer note: " + note
		body += fmt.Sprintf(`<p>Reviewer note: %s</p>`, html.EscapeString(note))
	}
	return c.send(ctx, postmarkEmail{
		To:       to,
		Subject:  subject,
		HtmlBody: body,
		TextBody: text,
		Tag:      "approval-decision",
	})
}

// SendCouponIssued sends a redemption coupon code to the employee.
func (c *Client) SendCouponIssued(ctx context.Context, to, itemName, code string) error {
	subject := fmt.Sprintf("Your coupon for %s", itemName)
	text := fmt.Sprintf(
		"You redeemed %s.\n\nYour coupon code: %s\n\nShow this code to HR to collect your reward.",
		itemName, code,
	)
	body := fmt.Sprintf(
		`<p>You redeemed <strong>%s</strong>.</p><p>Your coupon code: <code>%s</code></p><p>Show this code to HR to collect your reward.</p>`,
		html.EscapeString(itemName), code,
	)
	return c.send(ctx, postmarkEmail{
		To:       to,
		Subject:  subject,
		HtmlBody: body,
		TextBody: text,
		Tag:      "coupon-issued",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	payload.From = c.fromEmail

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
