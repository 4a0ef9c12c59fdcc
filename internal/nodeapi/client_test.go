package nodeapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/nodeapi"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*nodeapi.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := nodeapi.New(nodeapi.Config{Name: "lan", BaseURL: srv.URL, APIKey: "k"})
	return c, srv
}

func TestListUsers(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Users", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Emby-Token"))
		json.NewEncoder(w).Encode([]map[string]string{
			{"Id": "U-lan-2", "Name": "alice"},
		})
	})

	users, err := c.ListUsers(t.Context())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "U-lan-2", users[0].RemoteID)
	assert.Equal(t, "alice", users[0].Username)
}

func TestFindItemByPathMissReturnsEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"Items": []interface{}{}})
	})

	id, err := c.FindItemByPath(t.Context(), "/mnt/x.mkv")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestUnauthorizedClassification(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListUsers(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestTransientClassification(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListUsers(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransientNode))
}

func TestSetProgress(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})

	err := c.SetProgress(t.Context(), "U-lan-2", "I-lan-17", 6000000000)
	require.NoError(t, err)
	assert.Contains(t, gotPath, "/Users/U-lan-2/PlayingItems/I-lan-17/Progress")
}
