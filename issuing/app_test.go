package issuing_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/internal/signature"
	"github.com/alovak/cardbridge/issuing"
	"github.com/alovak/cardbridge/webhook"
	"github.com/stretchr/testify/require"
)

func startApp(t *testing.T, cfg *issuing.Config) *issuing.App {
	t.Helper()
	app := issuing.NewApp(discard(), cfg)
	require.NoError(t, app.Start())
	t.Cleanup(app.Shutdown)
	return app
}

func testConfig() *issuing.Config {
	cfg := issuing.DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Simulation.Latency = 0
	return cfg
}

func TestApp_SimulatedMode(t *testing.T) {
	app := startApp(t, testConfig())
	base := "http://" + app.Addr

	for _, path := range []string{"/-/live", "/-/ready", "/card-types"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	body, _ := json.Marshal(map[string]any{"holderId": "SIM-HOLDER-999999", "status": "approved"})
	req, _ := http.NewRequest(http.MethodPost, base+webhook.Path, bytes.NewReader(body))
	req.Header.Set(webhook.HeaderCategory, issuerapi.CategoryCardHolder)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/admin/webhook-events")
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 1)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(metrics), "cardbridge_webhook_events_total")
	require.Contains(t, string(metrics), "cardbridge_issuer_requests_total")
}

func TestApp_SignedWebhooks(t *testing.T) {
	priv, pub, err := signature.GenerateKeyPair(2048)
	require.NoError(t, err)
	signer, err := signature.NewSigner(string(priv))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Issuer.PublicKey = string(pub)
	app := startApp(t, cfg)
	url := "http://" + app.Addr + webhook.Path

	body := []byte(`{"holderId":"SIM-HOLDER-000042","status":"approved"}`)
	post := func(sig string) int {
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set(webhook.HeaderCategory, issuerapi.CategoryCardHolder)
		if sig != "" {
			req.Header.Set(webhook.HeaderSignature, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, post(""))

	sig, err := signer.Sign(body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, post(sig))
}

func TestApp_RealModeNeedsPublicKey(t *testing.T) {
	priv, _, err := signature.GenerateKeyPair(2048)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Issuer.APIKey = "live"
	cfg.Issuer.APIURL = "https://issuer.invalid"
	cfg.Issuer.PrivateKey = string(priv)

	app := issuing.NewApp(discard(), cfg)
	require.Error(t, app.Start())
}

func TestApp_RealModeServesOperatorAPI(t *testing.T) {
	priv, pub, err := signature.GenerateKeyPair(2048)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Issuer.APIKey = "live"
	cfg.Issuer.APIURL = "https://issuer.invalid"
	cfg.Issuer.PrivateKey = string(priv)
	cfg.Issuer.PublicKey = string(pub)
	app := startApp(t, cfg)
	base := "http://" + app.Addr

	for path, want := range map[string]int{
		"/admin/webhook-events": http.StatusOK,
		"/admin/kyc":            http.StatusOK,
		"/dev/merchant-balance": http.StatusNotFound,
	} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, path)
	}
}
