package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/httpclient"
	"github.com/Checker-Finance/marketcore/internal/rate"
)

// Client calls the messaging collaborator that hosts trade chat channels.
type Client struct {
	logger    *zap.Logger
	exec      *httpclient.Executor
	baseURL   string
	token     string
	companyID string
}

func NewClient(logger *zap.Logger, rateMgr *rate.Manager, httpClient *http.Client, baseURL, token, companyID string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		logger:    logger,
		exec:      httpclient.New(logger, rateMgr, httpClient, 1, "chat", nil),
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		companyID: companyID,
	}
}

type createChannelRequest struct {
	WithUserIDs []string `json:"with_user_ids"`
	CompanyID   string   `json:"company_id"`
	CustomName  string   `json:"custom_name"`
}

type channelResponse struct {
	ID string `json:"id"`
}

type messageRequest struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// CreateChannel opens a direct channel between members and returns its id. The
// collaborator returns the existing channel when one already links the members.
// POST /api/v1/dm_channels
func (c *Client) CreateChannel(ctx context.Context, name string, members []string) (string, error) {
	var resp channelResponse
	err := c.post(ctx, "/api/v1/dm_channels", createChannelRequest{
		WithUserIDs: members,
		CompanyID:   c.companyID,
		CustomName:  name,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("chat: channel response without id")
	}
	return resp.ID, nil
}

// SendSystemMessage posts an automated message into a channel.
// POST /api/v1/messages
func (c *Client) SendSystemMessage(ctx context.Context, channelID, text string) error {
	return c.post(ctx, "/api/v1/messages", messageRequest{ChannelID: channelID, Content: text}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req, err := httpclient.NewJSONRequest(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.exec.DoJSON(ctx, req, "chat", out)
}
