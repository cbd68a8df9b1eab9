package libgo365

import (
	"context"
)

// User is the subset of the Graph user resource the console needs.
type User struct {
	DisplayName       string `json:"displayName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
}

// GetMe retrieves the current user's profile
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, "/me?$select=displayName,mail,userPrincipalName", &user); err != nil {
		return nil, err
	}
	return &user, nil
}
