package nodeapi

import (
	"context"

	"github.com/teranos/syncd/internal/resolver"
)

// resolverAdapter narrows a Client to the resolver.NodeClient interface,
// converting nodeapi.User to the resolver's decoupled NodeUser shape.
type resolverAdapter struct {
	client *Client
}

// AsResolverClient wraps c for use as an internal/resolver.NodeClient.
func AsResolverClient(c *Client) resolver.NodeClient {
	return resolverAdapter{client: c}
}

func (a resolverAdapter) ListUsers(ctx context.Context) ([]resolver.NodeUser, error) {
	users, err := a.client.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]resolver.NodeUser, len(users))
	for i, u := range users {
		out[i] = resolver.NodeUser{RemoteID: u.RemoteID, Username: u.Username}
	}
	return out, nil
}

func (a resolverAdapter) FindItemByPath(ctx context.Context, path string) (string, error) {
	return a.client.FindItemByPath(ctx, path)
}

func (a resolverAdapter) FindItemByProvider(ctx context.Context, provider, value string) (string, error) {
	return a.client.FindItemByProvider(ctx, provider, value)
}
