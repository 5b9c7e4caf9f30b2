package controllers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsStatusSnapshot(t *testing.T) {
	e := newEnv(t, "AAPL")
	e.publish(1, map[string]float64{"AAPL": 187.5})

	w := e.do(t, http.MethodGet, "/api/ops/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Uptime    string `json:"uptime"`
		Scheduler struct {
			Running bool     `json:"running"`
			Symbols []string `json:"symbols"`
		} `json:"scheduler"`
		Hub struct {
			CachedSymbols  int    `json:"cached_symbols"`
			TicksPublished uint64 `json:"ticks_published"`
		} `json:"hub"`
		Websocket struct {
			Clients    int `json:"clients"`
			MaxClients int `json:"max_clients"`
		} `json:"websocket"`
		Archive struct {
			Enabled bool `json:"enabled"`
		} `json:"archive"`
	}
	decodeBody(t, w, &resp)

	assert.NotEmpty(t, resp.Uptime)
	assert.False(t, resp.Scheduler.Running)
	assert.Equal(t, []string{"AAPL"}, resp.Scheduler.Symbols)
	assert.Equal(t, 1, resp.Hub.CachedSymbols)
	assert.Equal(t, uint64(1), resp.Hub.TicksPublished)
	assert.Zero(t, resp.Websocket.Clients)
	assert.Equal(t, 16, resp.Websocket.MaxClients)
	assert.False(t, resp.Archive.Enabled)
}

func TestOpsStatusShowsLastTick(t *testing.T) {
	e := newEnv(t, "AAPL")
	e.upstream.setQuote("AAPL", 187.5)
	e.start(t)

	w := e.do(t, http.MethodPost, "/api/markets/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/ops/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Scheduler struct {
			Running  bool `json:"running"`
			LastTick *struct {
				Seq       uint64 `json:"seq"`
				Succeeded int    `json:"succeeded"`
			} `json:"last_tick"`
		} `json:"scheduler"`
	}
	decodeBody(t, w, &resp)

	assert.True(t, resp.Scheduler.Running)
	require.NotNil(t, resp.Scheduler.LastTick)
	assert.GreaterOrEqual(t, resp.Scheduler.LastTick.Seq, uint64(1))
	assert.Equal(t, 1, resp.Scheduler.LastTick.Succeeded)
}

func TestOpsTicksWithoutArchive(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/ops/ticks", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "archive")
}
