package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCmd_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPath string
	}{
		{name: "liveness", args: []string{}, wantPath: "/health"},
		{name: "status detail", args: []string{"status"}, wantPath: "/health/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "ready": true, "total_chunks": 42})
			}))
			defer srv.Close()

			cmd := newHealthCmd()
			buf := &bytes.Buffer{}
			cmd.SetOut(buf)
			serverURL = srv.URL
			timeout = srv.Client().Timeout
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.wantPath, gotPath)
		})
	}
}

func TestHealthCmd_JSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer srv.Close()

	cmd := newHealthCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	serverURL = srv.URL
	timeout = srv.Client().Timeout
	cmd.SetArgs([]string{"--json"})

	require.NoError(t, cmd.Execute())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
