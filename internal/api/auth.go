package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleWorkshop Role = "workshop"
	RoleMechanic Role = "mechanic"
	RoleUser     Role = "user"
)

type LoginResult struct {
	Access         string `json:"access"`
	FullName       string `json:"full_name"`
	Role           Role   `json:"role"`
	Email          string `json:"email"`
	WorkshopStatus string `json:"workshop_status,omitempty"`
}

// Login exchanges email and password for an access token. The refresh
// cookie set by the server stays in the client's jar.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var res LoginResult
	err := c.PostJSON(ctx, "accounts/login/", map[string]string{
		"email":    email,
		"password": password,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Access == "" {
		return nil, fmt.Errorf("login: %w", ErrNoAccessToken)
	}
	if err := c.SetToken(ctx, res.Access); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"email": res.Email,
		"role":  res.Role,
	}).Info("logged in")
	return &res, nil
}

// Logout tells the server to drop the refresh cookie and always clears the
// local credential, even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, callErr := c.Do(ctx, http.MethodPost, "accounts/logout/", nil)
	if callErr != nil {
		c.logger.WithError(callErr).Warn("logout call failed, clearing local session anyway")
	}
	if err := c.SetToken(ctx, ""); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.logger.Info("logged out")
	return nil
}

type UnreadSummaryItem struct {
	ServiceRequestID int64  `json:"service_request_id"`
	UnreadCount      int    `json:"unread_count"`
	CounterpartName  string `json:"counterpart_name"`
}

type UnreadSummary struct {
	TotalUnreadCount int                 `json:"total_unread_count"`
	Items            []UnreadSummaryItem `json:"items"`
}

// UnreadSummary fetches the per-conversation unread counts over REST.
func (c *Client) UnreadSummary(ctx context.Context) (*UnreadSummary, error) {
	var s UnreadSummary
	if err := c.GetJSON(ctx, "messages/unread-summary/", &s); err != nil {
		return nil, err
	}
	return &s, nil
}
