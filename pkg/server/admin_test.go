package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/pkg/store"
)

func newAdminServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	toml := DefaultTOMLConfig()
	config := toml.ToServerConfig()
	config.JWTSecret = "admin-test-secret"

	srv, err := NewServer(filepath.Join(t.TempDir(), "admin.db"), config)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.registerAdminRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, ts
}

func adminDo(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminCreateChat(t *testing.T) {
	srv, ts := newAdminServer(t)

	resp := adminDo(t, http.MethodPost, ts.URL+"/internal/chats", `{"id":"room-1","kind":"group"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	exists, err := srv.Store().ChatExists("room-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Creating the same chat again conflicts.
	resp = adminDo(t, http.MethodPost, ts.URL+"/internal/chats", `{"id":"room-1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminCreateChatValidation(t *testing.T) {
	_, ts := newAdminServer(t)

	resp := adminDo(t, http.MethodPost, ts.URL+"/internal/chats", `{"kind":"group"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/internal/chats", `{"id":"x","kind":"broadcast"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = adminDo(t, http.MethodGet, ts.URL+"/internal/chats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminParticipantLifecycle(t *testing.T) {
	srv, ts := newAdminServer(t)
	require.NoError(t, srv.Store().CreateChat("room-1", "group"))

	resp := adminDo(t, http.MethodPut, ts.URL+"/internal/chats/room-1/participants", `{"userId":"alice","role":"owner"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	role, err := srv.Store().ParticipantRole("alice", "room-1")
	require.NoError(t, err)
	assert.Equal(t, store.RoleOwner, role)

	// Role defaults to member.
	resp = adminDo(t, http.MethodPut, ts.URL+"/internal/chats/room-1/participants", `{"userId":"bob"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	role, err = srv.Store().ParticipantRole("bob", "room-1")
	require.NoError(t, err)
	assert.Equal(t, store.RoleMember, role)

	resp = adminDo(t, http.MethodDelete, ts.URL+"/internal/chats/room-1/participants", `{"userId":"bob"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	ok, err := srv.Store().IsParticipant("bob", "room-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminParticipantErrors(t *testing.T) {
	srv, ts := newAdminServer(t)
	require.NoError(t, srv.Store().CreateChat("room-1", "group"))

	resp := adminDo(t, http.MethodPut, ts.URL+"/internal/chats/missing/participants", `{"userId":"alice"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = adminDo(t, http.MethodPut, ts.URL+"/internal/chats/room-1/participants", `{"userId":"alice","role":"emperor"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = adminDo(t, http.MethodPut, ts.URL+"/internal/chats/room-1/participants", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
