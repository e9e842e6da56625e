package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer starts a listener that replies to every request with resp.
func testServer(t *testing.T, handle func(Request) Response) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/agent.sock"

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var req Request
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp := handle(req)
				enc := json.NewEncoder(conn)
				_ = enc.Encode(resp)
			}()
		}
	}()
	return path
}

func TestCallRejectsUnknownVerb(t *testing.T) {
	c := NewClient("/nonexistent")
	_, err := c.Call(context.Background(), "rm_rf_root", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowlisted")
}

func TestPingDetectsStaleImage(t *testing.T) {
	path := testServer(t, func(req Request) Response {
		assert.Equal(t, "ping", req.Verb)
		return Response{Ok: true}
	})
	c := NewClient(path)
	resp, err := c.Ping(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Stale())
}

func TestPingFreshImage(t *testing.T) {
	path := testServer(t, func(req Request) Response {
		return Response{Ok: true, AgentVersion: "1.2.3", RootfsBuildID: "abc123"}
	})
	c := NewClient(path)
	resp, err := c.Ping(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Stale())
}

func TestComposeUpReturnsExitCodeAndOutput(t *testing.T) {
	path := testServer(t, func(req Request) Response {
		assert.Equal(t, "compose_up", req.Verb)
		return Response{Ok: false, ExitCode: 1, Stderr: "service desktop failed to start", Error: "compose up failed"}
	})
	c := NewClient(path)
	resp, err := c.ComposeUp(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Ok)
	assert.Equal(t, 1, resp.ExitCode)
	assert.Contains(t, resp.Stderr, "desktop")
}

func TestConfigureNetworkSendsArgs(t *testing.T) {
	path := testServer(t, func(req Request) Response {
		assert.Equal(t, "configure_network", req.Verb)
		assert.Equal(t, "10.200.0.2", req.Args["ip"])
		return Response{Ok: true}
	})
	c := NewClient(path)
	resp, err := c.ConfigureNetwork(context.Background(), "10.200.0.2", "255.255.255.0", "10.200.0.1", "1.1.1.1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Ok)
}

func TestCallTimesOutWhenNothingListening(t *testing.T) {
	c := NewClient("/tmp/octolab-agent-test-does-not-exist.sock")
	_, err := c.Call(context.Background(), "ping", nil, 100*time.Millisecond)
	require.Error(t, err)
}
