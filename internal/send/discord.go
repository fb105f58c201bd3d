package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// discordMaxContent is Discord's limit on message content length.
const discordMaxContent = 2000

// Discord posts messages to a Discord channel webhook.
type Discord struct {
	client   *http.Client
	webhook  string
	username string
	avatar   string
}

type discordPayload struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NewDiscord creates a webhook sender. username and avatar override the
// webhook defaults when non-empty.
func NewDiscord(webhook, username, avatar string) *Discord {
	return &Discord{
		client:   &http.Client{Timeout: 15 * time.Second},
		webhook:  webhook,
		username: username,
		avatar:   avatar,
	}
}

func (d *Discord) Send(ctx context.Context, text string) error {
	if r := []rune(text); len(r) > discordMaxContent {
		text = string(r[:discordMaxContent-1]) + "…"
	}

	body, err := json.Marshal(discordPayload{
		Content:   text,
		Username:  d.username,
		AvatarURL: d.avatar,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: discord webhook returned %s: %s", ErrDelivery, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func (d *Discord) Name() string { return "discord" }
