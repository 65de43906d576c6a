//go:build integration

package tests

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/protocol"
)

func httpDo(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHTTPServerIntegration(t *testing.T) {
	server := startServer(t)
	base := server.GetHTTPURL()

	code, data := httpDo(t, http.MethodGet, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","state":"CONNECTED"}`, string(data))

	code, _ = httpDo(t, http.MethodPost, base+"/api/plants", `{"name":"Fern","species":"boston"}`)
	assert.Equal(t, http.StatusCreated, code)

	code, data = httpDo(t, http.MethodPost, base+"/api/refresh", "")
	require.Equal(t, http.StatusOK, code, string(data))
	var status protocol.Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "45", status.Moisture)
	assert.Equal(t, "Dry", status.MoistureStatus)

	code, data = httpDo(t, http.MethodPut, base+"/api/settings", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code, string(data))
}
