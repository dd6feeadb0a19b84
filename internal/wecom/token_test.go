package wecom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldoneme/quote-approval-service/internal/httpclient"
)

func TestTokenIsCachedUntilInvalidated(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/gettoken", r.URL.Path)
		require.Equal(t, "corp1", r.URL.Query().Get("corpid"))
		n := fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"errcode":      0,
			"access_token": map[int32]string{1: "tok-one", 2: "tok-two"}[n],
			"expires_in":   7200,
		})
	}))
	defer srv.Close()

	p := NewCachedTokenProvider(httpclient.NewClient(srv.URL), "corp1", "secret")

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-one", tok)

	// Second call is served from cache.
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-one", tok)
	assert.Equal(t, int32(1), fetches.Load())

	// Invalidation forces a refresh.
	p.Invalidate()
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-two", tok)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestTokenPropagatesPlatformRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"errcode": 40013, "errmsg": "invalid corpid"})
	}))
	defer srv.Close()

	p := NewCachedTokenProvider(httpclient.NewClient(srv.URL), "corp1", "secret")
	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "40013")
}

func TestClientRetriesOnceOnStaleToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			json.NewEncoder(w).Encode(map[string]any{
				"errcode": 0, "access_token": "tok", "expires_in": 7200,
			})
		case "/cgi-bin/oa/getapprovaldetail":
			if calls.Add(1) == 1 {
				json.NewEncoder(w).Encode(map[string]any{"errcode": 42001, "errmsg": "token expired"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errcode": 0,
				"info":    map[string]any{"sp_no": "SP1", "third_no": "quote-1", "sp_status": 2},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	hc := httpclient.NewClient(srv.URL)
	client := NewClient(hc, NewCachedTokenProvider(hc, "corp1", "secret"), "1000002", "tmpl-1")

	detail, err := client.GetApprovalDetail(context.Background(), "SP1")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.RawStatus)
	assert.Equal(t, "quote-1", detail.CorrelationID)
	assert.Equal(t, int32(2), calls.Load())
}
