// Package nodeapi implements the Node Client: a capability wrapper over one
// remote media-library node's management REST API. One Client instance is
// constructed per configured node (§4.2); it is stateless beyond its HTTP
// transport and rate limiter.
package nodeapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/httpclient"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second

	// requestsPerSecond caps outbound calls to a single node so a slow or
	// flaky target cannot starve the worker's per-tick budget.
	requestsPerSecond = 10
	burstSize         = 20
)

// Config identifies one node (§3 "Node").
type Config struct {
	Name         string
	BaseURL      string
	APIKey       string
	Passwordless bool
}

// Client is the REST-backed Node Client for one node.
type Client struct {
	cfg     Config
	http    *httpclient.SaferClient
	limiter *rate.Limiter
}

// New builds a Client for the given node configuration.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpclient.NewSaferClient(readTimeout),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
	}
}

// User is one entry from list_users.
type User struct {
	RemoteID string
	Username string
}

// UserItemData is the target-side state the worker compares against a
// source event (§4.6 step 4).
type UserItemData struct {
	Played        bool
	PositionTicks int64
	Favorite      bool
	Rating        *float64
	LastPlayedAt  *time.Time
}

// Health reports reachability and, if available, the node's reported
// version string.
func (c *Client) Health(ctx context.Context) (reachable bool, version string, err error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/System/Info", &out); err != nil {
		if errors.Is(err, errors.ErrUnauthorized) {
			return false, "", err
		}
		return false, "", nil
	}
	return true, out.Version, nil
}

// ListUsers returns every user known to the node.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	if err := c.get(ctx, "/Users", &out); err != nil {
		return nil, err
	}
	users := make([]User, len(out))
	for i, u := range out {
		users[i] = User{RemoteID: u.ID, Username: u.Name}
	}
	return users, nil
}

// FindItemByPath resolves a normalized file path to a remote item id.
// Returns ("", nil) on a logical miss (NotFound is not an error here — the
// caller distinguishes miss from failure via the bool-like empty string).
func (c *Client) FindItemByPath(ctx context.Context, path string) (string, error) {
	var out struct {
		Items []struct {
			ID string `json:"Id"`
		} `json:"Items"`
	}
	if err := c.get(ctx, "/Items?path="+urlEscape(path), &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", nil
	}
	return out.Items[0].ID, nil
}

// FindItemByProvider resolves a provider tuple (imdb|tmdb|tvdb, value) to a
// remote item id.
func (c *Client) FindItemByProvider(ctx context.Context, provider, value string) (string, error) {
	var out struct {
		Items []struct {
			ID string `json:"Id"`
		} `json:"Items"`
	}
	path := fmt.Sprintf("/Items?AnyProviderIdEquals=%s.%s", provider, urlEscape(value))
	if err := c.get(ctx, path, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", nil
	}
	return out.Items[0].ID, nil
}

// GetUserItemData reads the current state of one item for one user.
func (c *Client) GetUserItemData(ctx context.Context, userID, itemID string) (UserItemData, error) {
	var out struct {
		Played        bool     `json:"Played"`
		PositionTicks int64    `json:"PlaybackPositionTicks"`
		Favorite      bool     `json:"IsFavorite"`
		Rating        *float64 `json:"Rating"`
		LastPlayedAt  *time.Time `json:"LastPlayedDate"`
	}
	path := fmt.Sprintf("/Users/%s/Items/%s/UserData", userID, itemID)
	if err := c.get(ctx, path, &out); err != nil {
		return UserItemData{}, err
	}
	return UserItemData{
		Played:        out.Played,
		PositionTicks: out.PositionTicks,
		Favorite:      out.Favorite,
		Rating:        out.Rating,
		LastPlayedAt:  out.LastPlayedAt,
	}, nil
}

// ItemDataPatch is a partial update to user-item data.
type ItemDataPatch struct {
	Played        *bool
	PositionTicks *int64
	Favorite      *bool
	Rating        *float64
}

// ApplyUserItemData sends a partial update.
func (c *Client) ApplyUserItemData(ctx context.Context, userID, itemID string, patch ItemDataPatch) error {
	path := fmt.Sprintf("/Users/%s/Items/%s/UserData", userID, itemID)
	return c.post(ctx, path, patch, nil)
}

// MarkPlayed marks an item played at the given time.
func (c *Client) MarkPlayed(ctx context.Context, userID, itemID string, at time.Time) error {
	path := fmt.Sprintf("/Users/%s/PlayedItems/%s?DatePlayed=%s", userID, itemID, at.UTC().Format(time.RFC3339))
	return c.post(ctx, path, nil, nil)
}

// MarkUnplayed clears the played flag.
func (c *Client) MarkUnplayed(ctx context.Context, userID, itemID string) error {
	return c.delete(ctx, fmt.Sprintf("/Users/%s/PlayedItems/%s", userID, itemID))
}

// SetFavorite sets or clears the favorite flag.
func (c *Client) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	if favorite {
		return c.post(ctx, fmt.Sprintf("/Users/%s/FavoriteItems/%s", userID, itemID), nil, nil)
	}
	return c.delete(ctx, fmt.Sprintf("/Users/%s/FavoriteItems/%s", userID, itemID))
}

// SetRating sets a numeric rating, or clears it when rating is nil.
func (c *Client) SetRating(ctx context.Context, userID, itemID string, rating *float64) error {
	if rating == nil {
		return c.delete(ctx, fmt.Sprintf("/Users/%s/Items/%s/Rating", userID, itemID))
	}
	path := fmt.Sprintf("/Users/%s/Items/%s/Rating?Rating=%v", userID, itemID, *rating)
	return c.post(ctx, path, nil, nil)
}

// SetProgress sets playback position.
func (c *Client) SetProgress(ctx context.Context, userID, itemID string, positionTicks int64) error {
	path := fmt.Sprintf("/Users/%s/PlayingItems/%s/Progress?PositionTicks=%d", userID, itemID, positionTicks)
	return c.post(ctx, path, nil, nil)
}

// CreateUser creates a user. password is empty for passwordless nodes.
func (c *Client) CreateUser(ctx context.Context, username, password string) (remoteID string, err error) {
	body := struct {
		Name     string `json:"Name"`
		Password string `json:"Password,omitempty"`
	}{Name: username, Password: password}

	var out struct {
		ID string `json:"Id"`
	}
	if err := c.post(ctx, "/Users/New", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteUser removes a user by remote id.
func (c *Client) DeleteUser(ctx context.Context, remoteID string) error {
	return c.delete(ctx, "/Users/"+remoteID)
}

// Playlist is one playlist known to a node, used by PlaylistChange
// reconciliation (spec §9 open question, resolved in DESIGN.md).
type Playlist struct {
	RemoteID string
	Name     string
	ItemIDs  []string
}

// ListPlaylists returns every playlist owned by userID.
func (c *Client) ListPlaylists(ctx context.Context, userID string) ([]Playlist, error) {
	var out []struct {
		ID    string   `json:"Id"`
		Name  string   `json:"Name"`
		Items []string `json:"ItemIds"`
	}
	if err := c.get(ctx, "/Users/"+userID+"/Playlists", &out); err != nil {
		return nil, err
	}
	playlists := make([]Playlist, len(out))
	for i, p := range out {
		playlists[i] = Playlist{RemoteID: p.ID, Name: p.Name, ItemIDs: p.Items}
	}
	return playlists, nil
}

// CreatePlaylist creates a new playlist with the given initial items.
func (c *Client) CreatePlaylist(ctx context.Context, userID, name string, itemIDs []string) (string, error) {
	body := struct {
		Name    string   `json:"Name"`
		UserID  string   `json:"UserId"`
		ItemIDs []string `json:"ItemIds"`
	}{Name: name, UserID: userID, ItemIDs: itemIDs}
	var out struct {
		ID string `json:"Id"`
	}
	if err := c.post(ctx, "/Playlists", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddPlaylistItem appends an item to an existing playlist.
func (c *Client) AddPlaylistItem(ctx context.Context, playlistID, userID, itemID string) error {
	path := fmt.Sprintf("/Playlists/%s/Items?ids=%s&userId=%s", playlistID, itemID, userID)
	return c.post(ctx, path, nil, nil)
}

// RemovePlaylistItem removes an item from a playlist.
func (c *Client) RemovePlaylistItem(ctx context.Context, playlistID, itemID string) error {
	return c.delete(ctx, fmt.Sprintf("/Playlists/%s/Items?EntryIds=%s", playlistID, itemID))
}

func urlEscape(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}
