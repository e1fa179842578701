package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_TableDriven(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "200 decodes body", status: http.StatusOK, body: `{"ok":true}`},
		{name: "404 becomes apiError", status: http.StatusNotFound, body: `{"detail":"not found"}`, wantErr: true},
		{name: "500 becomes apiError", status: http.StatusInternalServerError, body: `{"detail":"boom"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newAPIClient(srv.URL, 5*time.Second)
			var out map[string]any
			err := c.get(context.Background(), "/anything", &out)

			if tt.wantErr {
				require.Error(t, err)
				var apiErr *apiError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.status, apiErr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, true, out["ok"])
		})
	}
}

func TestAPIClient_PostEncodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bar", body["foo"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, 5*time.Second)
	require.NoError(t, c.post(context.Background(), "/x", map[string]string{"foo": "bar"}, nil))
}

func TestAPIClient_DeleteNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":"done"}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, 5*time.Second)
	var resp struct {
		Message string `json:"message"`
	}
	require.NoError(t, c.delete(context.Background(), "/x", &resp))
	assert.Equal(t, "done", resp.Message)
}
