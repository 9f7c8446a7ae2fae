package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/server/trojan/config", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, "7", r.URL.Query().Get("node_id"))
		_, _ = w.Write([]byte(`{"data":{"server_port":8443}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", 7)
	cfg, err := c.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(8443), cfg.ServerPort)
}

func TestFetchConfigFailureIsFatalKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	_, err := c.FetchConfig(context.Background())
	assert.Error(t, err)
}

func TestFetchUsersDerivesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/server/trojan/users", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":1,"uuid":"a"},{"id":2,"uuid":"b"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	users, err := c.FetchUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, int32(1), users[0].ID)
	assert.Equal(t, int32(2), users[1].ID)
}

func TestSubmitTrafficSendsJSONArray(t *testing.T) {
	var received []TrafficRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/server/trojan/submit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	err := c.SubmitTraffic(context.Background(), []TrafficRecord{
		{UserID: 1, Up: 800, Down: 1600},
		{UserID: 2, Up: 80, Down: 0},
	})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, uint64(800), received[0].Up)
}

func TestSubmitTrafficNonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 1)
	err := c.SubmitTraffic(context.Background(), []TrafficRecord{{UserID: 1, Up: 1, Down: 1}})
	assert.Error(t, err)
}
