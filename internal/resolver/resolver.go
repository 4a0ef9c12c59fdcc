// Package resolver implements the Identity Resolver (spec §4.3): it
// translates a (source_node, source_user_id, item descriptor) tuple into
// the equivalent (target_node, target_user_id, target_item_id), using the
// Store's caches with live node queries as fallback.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/domain"
)

// MappingStore is the subset of internal/store.Store the resolver needs
// for user identity.
type MappingStore interface {
	GetUserMapping(username, nodeName string) (string, bool, error)
	PutUserMapping(username, nodeName, remoteUserID string) error
	GetUsernameByRemoteID(nodeName, remoteUserID string) (string, bool, error)
}

// ItemCacheStore is the subset of internal/store.Store the resolver needs
// for item identity.
type ItemCacheStore interface {
	GetItemCache(nodeName, lookupKey string) (remoteItemID string, found bool, stale bool, err error)
	PutItemCache(nodeName, lookupKey, remoteItemID string) error
}

// NodeUser is one node's view of a user, mirroring nodeapi.User without
// importing that package (keeps resolver decoupled from the HTTP client).
type NodeUser struct {
	RemoteID string
	Username string
}

// NodeClient is the subset of capabilities the resolver invokes on a miss.
type NodeClient interface {
	ListUsers(ctx context.Context) ([]NodeUser, error)
	FindItemByPath(ctx context.Context, path string) (string, error)
	FindItemByProvider(ctx context.Context, provider, value string) (string, error)
}

// Resolver translates identities across nodes.
type Resolver struct {
	mappings MappingStore
	items    ItemCacheStore
	nodes    map[string]NodeClient
}

// New builds a Resolver given a handle to the Store and a client per node.
func New(mappings MappingStore, items ItemCacheStore, nodes map[string]NodeClient) *Resolver {
	return &Resolver{mappings: mappings, items: items, nodes: nodes}
}

// ResolveUser implements §4.3 "User resolution".
func (r *Resolver) ResolveUser(ctx context.Context, sourceNode, sourceUserID, targetNode string) (targetUserID string, err error) {
	username, err := r.usernameFor(ctx, sourceNode, sourceUserID)
	if err != nil {
		return "", err
	}
	return r.ResolveUserByUsername(ctx, username, targetNode)
}

// ResolveUserByUsername resolves directly from an already-known username to
// a target node's remote user id (step 2 of §4.3, entered directly when the
// caller — e.g. the Worker, which reads usernames straight off the webhook
// payload — never had a source remote id to reverse-lookup in the first
// place).
func (r *Resolver) ResolveUserByUsername(ctx context.Context, username, targetNode string) (targetUserID string, err error) {
	if remoteID, found, err := r.mappings.GetUserMapping(username, targetNode); err != nil {
		return "", errors.Wrap(err, "resolve_user: mapping lookup")
	} else if found {
		return remoteID, nil
	}

	client, ok := r.nodes[targetNode]
	if !ok {
		return "", errors.Newf("resolve_user: no client configured for node %q", targetNode)
	}
	users, err := client.ListUsers(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			if err := r.mappings.PutUserMapping(username, targetNode, u.RemoteID); err != nil {
				return "", errors.Wrap(err, "resolve_user: cache population")
			}
			return u.RemoteID, nil
		}
	}
	return "", errors.WithDetailf(errors.ErrNoMatchingUser, "username=%s target=%s", username, targetNode)
}

// usernameFor reverse-looks-up a source node's remote user id into a
// username, repopulating the mapping cache on a miss via list_users.
func (r *Resolver) usernameFor(ctx context.Context, sourceNode, sourceUserID string) (string, error) {
	if username, found, err := r.mappings.GetUsernameByRemoteID(sourceNode, sourceUserID); err != nil {
		return "", errors.Wrap(err, "resolve_user: reverse lookup")
	} else if found {
		return username, nil
	}

	client, ok := r.nodes[sourceNode]
	if !ok {
		return "", errors.Newf("resolve_user: no client configured for node %q", sourceNode)
	}
	users, err := client.ListUsers(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.RemoteID == sourceUserID {
			if err := r.mappings.PutUserMapping(u.Username, sourceNode, u.RemoteID); err != nil {
				return "", errors.Wrap(err, "resolve_user: cache population")
			}
			return u.Username, nil
		}
	}
	return "", errors.WithDetailf(errors.ErrNoMatchingUser, "source_node=%s source_user_id=%s", sourceNode, sourceUserID)
}

// ResolveItem implements §4.3 "Item resolution".
func (r *Resolver) ResolveItem(ctx context.Context, item domain.ItemDescriptor, targetNode string) (remoteItemID string, err error) {
	client, ok := r.nodes[targetNode]
	if !ok {
		return "", errors.Newf("resolve_item: no client configured for node %q", targetNode)
	}

	if item.Path != "" {
		id, err := r.resolveByLookupKey(ctx, targetNode, item.Path, func() (string, error) {
			return client.FindItemByPath(ctx, item.Path)
		})
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	for _, provider := range []struct {
		kind, value string
	}{
		{"imdb", item.Providers.IMDB},
		{"tmdb", item.Providers.TMDB},
		{"tvdb", item.Providers.TVDB},
	} {
		if provider.value == "" {
			continue
		}
		lookupKey := fmt.Sprintf("%s:%s", provider.kind, provider.value)
		id, err := r.resolveByLookupKey(ctx, targetNode, lookupKey, func() (string, error) {
			return client.FindItemByProvider(ctx, provider.kind, provider.value)
		})
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	return "", errors.WithDetailf(errors.ErrItemAbsent, "path=%s", item.Path)
}

// resolveByLookupKey checks the item cache, falling back to a live query on
// a miss. Negative results are never cached (§4.3 step 3): the item may
// appear later.
func (r *Resolver) resolveByLookupKey(ctx context.Context, targetNode, lookupKey string, lookup func() (string, error)) (string, error) {
	if id, found, stale, err := r.items.GetItemCache(targetNode, lookupKey); err != nil {
		return "", errors.Wrap(err, "resolve_item: cache lookup")
	} else if found && !stale {
		return id, nil
	}

	id, err := lookup()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}
	if err := r.items.PutItemCache(targetNode, lookupKey, id); err != nil {
		return "", errors.Wrap(err, "resolve_item: cache population")
	}
	return id, nil
}
