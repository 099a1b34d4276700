package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrEmptyReply = errors.New("ai: empty reply")

// Replier produces the assistant's next utterance for a caller message.
type Replier interface {
	Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error)
}

// Summarizer condenses a finished conversation.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (SummaryResponse, error)
}

type ReplyRequest struct {
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

// ReplyResponse is the AI service's answer. State carries any booking facts
// it extracted this turn; nil means nothing changed.
type ReplyResponse struct {
	ReplyText    string       `json:"replyText"`
	ShouldHangup bool         `json:"shouldHangup,omitempty"`
	State        *StateUpdate `json:"state,omitempty"`
}

type StateUpdate struct {
	Service           *ServiceRef `json:"service,omitempty"`
	ServiceBookedTime string      `json:"serviceBookedTime,omitempty"`
	UserInfo          *UserInfo   `json:"userInfo,omitempty"`
	ConfirmBooking    *bool       `json:"confirmBooking,omitempty"`
}

type ServiceRef struct {
	ID    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Price float64 `json:"price,omitempty"`
}

type UserInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Message struct {
	Speaker   string `json:"speaker"`
	Message   string `json:"message"`
	StartedAt string `json:"startedAt,omitempty"`
}

type ServiceInfo struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price,omitempty"`
	BookedTime  string  `json:"bookedTime,omitempty"`
	CompanyName string  `json:"companyName,omitempty"`
}

type SummaryRequest struct {
	CallID       string       `json:"callId"`
	Conversation []Message    `json:"conversation"`
	ServiceInfo  *ServiceInfo `json:"serviceInfo,omitempty"`
}

type SummaryResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"keyPoints"`
}

// Client talks to the AI service over HTTP/JSON.
// Deadlines come from the caller's context; the http.Client timeout is only
// a backstop.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// NewClientWithHTTP is NewClient with a caller-supplied transport.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	c := NewClient(baseURL)
	if hc != nil {
		c.client = hc
	}
	return c
}

func (c *Client) Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error) {
	var out ReplyResponse
	if err := c.post(ctx, "/ai/reply", req, &out); err != nil {
		return ReplyResponse{}, err
	}
	out.ReplyText = strings.TrimSpace(out.ReplyText)
	if out.ReplyText == "" {
		return ReplyResponse{}, ErrEmptyReply
	}
	return out, nil
}

func (c *Client) Summarize(ctx context.Context, req SummaryRequest) (SummaryResponse, error) {
	if req.Conversation == nil {
		req.Conversation = []Message{}
	}
	var out SummaryResponse
	if err := c.post(ctx, "/ai/summary", req, &out); err != nil {
		return SummaryResponse{}, err
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ai: send %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("ai: %s status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ai: read %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ai: decode %s: %w", path, err)
	}
	return nil
}
