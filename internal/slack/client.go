// ABOUTME: Slack Web API client used as the external chat provider
// ABOUTME: Wraps slack-go/slack behind the narrow surface the relay consumes

package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	slackapi "github.com/slack-go/slack"
)

// APIError is returned when the Slack Web API rejects a call.
type APIError struct {
	Code string // Slack error code, e.g. "channel_not_found"
}

func (e *APIError) Error() string {
	return "slack api error: " + e.Code
}

// Client talks to the Slack Web API.
type Client struct {
	api    *slackapi.Client
	logger *slog.Logger
}

// NewClient creates a Slack client authenticated with a bot token.
// Pass nil logger for default.
func NewClient(botToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    slackapi.New(botToken),
		logger: logger.With("component", "slack"),
	}
}

// PostMessage posts text to a channel. A non-empty threadRef makes the post a
// threaded reply. Returns Slack's message timestamp, which doubles as the
// message id.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadRef string) (string, error) {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadRef != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadRef))
	}

	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", wrapAPIError(err)
	}

	c.logger.Debug("posted message", "channel", channel, "ts", ts, "threaded", threadRef != "")
	return ts, nil
}

// UserDisplayName resolves a Slack user id to a display name, preferring the
// profile display name over the account name.
func (c *Client) UserDisplayName(ctx context.Context, userID string) (string, error) {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", wrapAPIError(err)
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName, nil
	}
	return user.Name, nil
}

// wrapAPIError converts slack-go errors into APIError, leaving context
// cancellation and deadline errors untouched so callers can tell a timed-out
// dispatch from a rejected one.
func wrapAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("slack call aborted: %w", err)
	}
	return &APIError{Code: err.Error()}
}
