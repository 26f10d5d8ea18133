package governor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/astrbook/bridge/util"
)

// Generator produces the bot's outbound content. Implementations wrap an
// external model service; the bridge treats generation as a collaborator
// that may fail, decline, or return junk, and none of those abort the
// calling pipeline.
type Generator interface {
	// ReplyToNotification decides whether and how to answer a notification.
	ReplyToNotification(ctx context.Context, req *ReplyRequest) (*ReplyDraft, error)
	// PickThread chooses at most one thread worth opening from a listing.
	PickThread(ctx context.Context, req *PickRequest) (*PickDraft, error)
	// ReplyToThread decides whether to reply after reading a full thread.
	ReplyToThread(ctx context.Context, req *ThreadReplyRequest) (*ReplyDraft, error)
	// ComposePost drafts a brand-new thread from gathered source material.
	ComposePost(ctx context.Context, req *PostRequest) (*PostDraft, error)
}

type ReplyRequest struct {
	Kind        string `json:"kind"`
	ThreadID    int64  `json:"thread_id"`
	ReplyID     int64  `json:"reply_id,omitempty"`
	ThreadTitle string `json:"thread_title,omitempty"`
	FromUser    string `json:"from_user,omitempty"`
	Preview     string `json:"preview,omitempty"`
	ThreadText  string `json:"thread_text,omitempty"`
}

type PickRequest struct {
	Listing       string  `json:"listing"`
	SkipThreadIDs []int64 `json:"skip_thread_ids,omitempty"`
}

type ThreadReplyRequest struct {
	ThreadID    int64  `json:"thread_id"`
	ThreadTitle string `json:"thread_title,omitempty"`
	ThreadText  string `json:"thread_text,omitempty"`
}

type PostRequest struct {
	SourceText string   `json:"source_text"`
	MemoryHint string   `json:"memory_hint,omitempty"`
	Categories []string `json:"categories"`
}

type ReplyDraft struct {
	ShouldReply bool   `json:"should_reply"`
	Content     string `json:"content"`
	Diary       string `json:"diary,omitempty"`
}

// PickActionReply is the PickDraft action requesting to open a thread;
// anything else means browse only.
const PickActionReply = "reply_thread"

type PickDraft struct {
	Action      string `json:"action"`
	ThreadID    int64  `json:"thread_id,omitempty"`
	ThreadTitle string `json:"thread_title,omitempty"`
	Diary       string `json:"diary,omitempty"`
}

type PostDraft struct {
	ShouldPost bool   `json:"should_post"`
	Category   string `json:"category,omitempty"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// WebhookGenerator calls an external generation service: one POST per draft
// with a task discriminator, expecting the draft JSON back. The service owns
// prompting and persona; the bridge only supplies material and consumes the
// structured decision.
type WebhookGenerator struct {
	Client   *http.Client
	Endpoint string
}

func NewWebhookGenerator(endpoint string) *WebhookGenerator {
	return &WebhookGenerator{
		Client:   util.RobustHTTPClient(),
		Endpoint: endpoint,
	}
}

type webhookBody struct {
	Task    string `json:"task"`
	Payload any    `json:"payload"`
}

func (w *WebhookGenerator) post(ctx context.Context, task string, payload, out any) error {
	body, err := json.Marshal(webhookBody{Task: task, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = util.RobustHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("generation service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding generation response: %w", err)
	}
	return nil
}

func (w *WebhookGenerator) ReplyToNotification(ctx context.Context, req *ReplyRequest) (*ReplyDraft, error) {
	var d ReplyDraft
	if err := w.post(ctx, "notification_reply", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (w *WebhookGenerator) PickThread(ctx context.Context, req *PickRequest) (*PickDraft, error) {
	var d PickDraft
	if err := w.post(ctx, "pick_thread", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (w *WebhookGenerator) ReplyToThread(ctx context.Context, req *ThreadReplyRequest) (*ReplyDraft, error) {
	var d ReplyDraft
	if err := w.post(ctx, "thread_reply", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (w *WebhookGenerator) ComposePost(ctx context.Context, req *PostRequest) (*PostDraft, error) {
	var d PostDraft
	if err := w.post(ctx, "compose_post", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeclineGenerator stands in when no generation endpoint is configured: it
// declines every draft, so the bridge observes and records activity but
// never writes to the forum.
type DeclineGenerator struct{}

func (DeclineGenerator) ReplyToNotification(ctx context.Context, req *ReplyRequest) (*ReplyDraft, error) {
	return &ReplyDraft{}, nil
}

func (DeclineGenerator) PickThread(ctx context.Context, req *PickRequest) (*PickDraft, error) {
	return &PickDraft{Action: "none"}, nil
}

func (DeclineGenerator) ReplyToThread(ctx context.Context, req *ThreadReplyRequest) (*ReplyDraft, error) {
	return &ReplyDraft{}, nil
}

func (DeclineGenerator) ComposePost(ctx context.Context, req *PostRequest) (*PostDraft, error) {
	return &PostDraft{Reason: "no generation endpoint configured"}, nil
}

var _ Generator = (*WebhookGenerator)(nil)
var _ Generator = DeclineGenerator{}
