package remote

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/portal/internal/platform/apperr"
)

// fakeCRM is an httptest server standing in for the identity endpoint, the
// instance REST API and the model API.
type fakeCRM struct {
	srv        *httptest.Server
	tokenCalls atomic.Int32
	dataCalls  atomic.Int32
	tokenDelay time.Duration
	expiresIn  int
	tokenFail  bool

	mu        sync.Mutex
	data      http.HandlerFunc
	lastToken string
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", f.handleToken)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.dataCalls.Add(1)
		f.mu.Lock()
		h := f.data
		f.mu.Unlock()
		if h == nil {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"totalSize":0,"done":true,"records":[]}`)
			return
		}
		h(w, r)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCRM) handleToken(w http.ResponseWriter, r *http.Request) {
	n := f.tokenCalls.Add(1)
	if f.tokenDelay > 0 {
		time.Sleep(f.tokenDelay)
	}
	if f.tokenFail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_client","error_description":"bad secret"}`)
		return
	}
	tok := fmt.Sprintf("tok-%d", n)
	f.mu.Lock()
	f.lastToken = tok
	f.mu.Unlock()

	resp := map[string]interface{}{
		"access_token": tok,
		"token_type":   "Bearer",
		"instance_url": f.srv.URL,
	}
	if f.expiresIn > 0 {
		resp["expires_in"] = f.expiresIn
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeCRM) setData(h http.HandlerFunc) {
	f.mu.Lock()
	f.data = h
	f.mu.Unlock()
}

func (f *fakeCRM) config() Config {
	return Config{
		AuthFlow:     FlowClientCredentials,
		ClientID:     "portal",
		ClientSecret: "secret",
		TokenURL:     f.srv.URL + "/oauth2/token",
		ModelsURL:    f.srv.URL + "/einstein",
		Model:        "test_model",
		AssetPath:    "/services/apexrest/tableau/asset",
	}
}

func newTestClient(cfg Config) *Client {
	return NewClient(cfg, zerolog.New(io.Discard), nil)
}

func TestClient_SingleFlightAuthentication(t *testing.T) {
	crm := newFakeCRM(t)
	crm.tokenDelay = 50 * time.Millisecond
	var seen sync.Map
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"), true)
		fmt.Fprint(w, `{"records":[]}`)
	})
	c := newTestClient(crm.config())

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Query(context.Background(), "SELECT Id FROM Patient__c")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), crm.tokenCalls.Load(), "concurrent callers must share one token request")
	assert.Equal(t, int32(n), crm.dataCalls.Load())

	tokens := 0
	seen.Range(func(k, _ any) bool {
		tokens++
		assert.Equal(t, "Bearer tok-1", k)
		return true
	})
	assert.Equal(t, 1, tokens)
}

func TestClient_RefreshesAfterLocalExpiry(t *testing.T) {
	crm := newFakeCRM(t)
	cfg := crm.config()
	cfg.TokenLease = 2 * time.Hour
	c := newTestClient(cfg)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	require.Equal(t, int32(1), crm.tokenCalls.Load())

	// 0.75 of a 2h lease is 90 minutes.
	now = now.Add(89 * time.Minute)
	_, err = c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, int32(1), crm.tokenCalls.Load(), "token still inside its local lease")

	now = now.Add(time.Minute)
	_, err = c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, int32(2), crm.tokenCalls.Load(), "expired token must be replaced before use")
}

func TestClient_ProviderExpiryShortensLease(t *testing.T) {
	crm := newFakeCRM(t)
	crm.expiresIn = 600
	c := newTestClient(crm.config())

	require.NoError(t, c.Authenticate(context.Background()))
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	require.NotNil(t, tok)

	lease := tok.expiresAt.Sub(tok.issuedAt)
	assert.InDelta(t, (450 * time.Second).Seconds(), lease.Seconds(), 2)
}

func TestClient_RetriesOnceAfter401(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `[{"errorCode":"INVALID_SESSION_ID"}]`)
			return
		}
		fmt.Fprint(w, `{"records":[{"Id":"a01"}]}`)
	})
	c := newTestClient(crm.config())

	out, err := c.Query(context.Background(), "SELECT Id FROM Patient__c")
	require.NoError(t, err)
	assert.JSONEq(t, `{"records":[{"Id":"a01"}]}`, string(out))
	assert.Equal(t, int32(2), crm.tokenCalls.Load())
	assert.Equal(t, int32(2), crm.dataCalls.Load())
}

func TestClient_Second401IsTerminal(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(crm.config())

	_, err := c.Query(context.Background(), "SELECT Id FROM Patient__c")
	require.Error(t, err)

	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusUnauthorized, rerr.Status)
	assert.Equal(t, "Unauthorized", rerr.StatusText)
	assert.True(t, apperr.Is(err, apperr.KindRemote))
	assert.Equal(t, int32(2), crm.tokenCalls.Load())
	assert.Equal(t, int32(2), crm.dataCalls.Load(), "exactly one retry")
}

func TestClient_InvalidateKeepsNewerToken(t *testing.T) {
	c := newTestClient(Config{})
	stale := &accessToken{value: "old"}
	fresh := &accessToken{value: "new"}
	c.token = fresh

	c.invalidate(stale)
	assert.Same(t, fresh, c.token)

	c.invalidate(fresh)
	assert.Nil(t, c.token)
}

func TestClient_MissingCredentialsIsConfigurationError(t *testing.T) {
	c := newTestClient(Config{AuthFlow: FlowClientCredentials})
	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestClient_UnknownFlowIsConfigurationError(t *testing.T) {
	c := newTestClient(Config{AuthFlow: "password"})
	err := c.Authenticate(context.Background())
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestClient_TokenEndpointFailure(t *testing.T) {
	crm := newFakeCRM(t)
	crm.tokenFail = true
	c := newTestClient(crm.config())

	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	require.Error(t, err)

	var aerr *AuthenticationError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, FlowClientCredentials, aerr.Flow)
	assert.Equal(t, int32(0), crm.dataCalls.Load(), "no data call without a token")
}

func TestClient_ServerErrorBecomesRemoteError(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `internal detail that must not reach browsers`)
	})
	c := newTestClient(crm.config())

	_, err := c.FetchResource(context.Background(), "/services/data/v62.0/sobjects")
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusInternalServerError, rerr.Status)
	assert.Contains(t, rerr.Body, "internal detail")

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.NotContains(t, appErr.PublicMessage(), "internal detail")
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(crm.config())

	for i := 0; i < 5; i++ {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		require.Error(t, err)
	}
	calls := crm.dataCalls.Load()

	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, calls, crm.dataCalls.Load(), "open breaker must not reach the server")
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `[{"errorCode":"MALFORMED_QUERY"}]`)
	})
	c := newTestClient(crm.config())

	for i := 0; i < 8; i++ {
		_, err := c.Query(context.Background(), "SELECT")
		var rerr *RemoteError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, http.StatusBadRequest, rerr.Status)
	}
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
}

func TestClient_QueryEncodesStatement(t *testing.T) {
	crm := newFakeCRM(t)
	var gotPath, gotQuery string
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `{}`)
	})
	c := newTestClient(crm.config())

	stmt := "SELECT Id FROM Patient__c WHERE Department__c = 'ICU & Step-Down'"
	_, err := c.Query(context.Background(), stmt)
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v62.0/query", gotPath)
	assert.Equal(t, stmt, gotQuery)
}

func TestClient_FetchResourceRequiresAbsolutePath(t *testing.T) {
	c := newTestClient(Config{})
	for _, ep := range []string{"services/data", "//evil.example.com/x", ""} {
		_, err := c.FetchResource(context.Background(), ep)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), ep)
	}
}

func TestClient_GenerateText(t *testing.T) {
	crm := newFakeCRM(t)
	var gotPath string
	var gotBody map[string]string
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "EinsteinGPT", r.Header.Get("x-sfdc-app-context"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"generation":{"generatedText":"Stable overnight."}}`)
	})
	c := newTestClient(crm.config())

	out, err := c.GenerateText(context.Background(), "Summarise the patient")
	require.NoError(t, err)
	assert.Equal(t, "/einstein/models/test_model/generations", gotPath)
	assert.Equal(t, "Summarise the patient", gotBody["prompt"])
	assert.Equal(t, "Stable overnight.", ExtractGeneratedText(out))
}

func TestClient_GenerateChat(t *testing.T) {
	crm := newFakeCRM(t)
	var got struct {
		Messages []Message `json:"messages"`
	}
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/einstein/models/test_model/chat-generations", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"generationDetails":{"generations":[{"role":"assistant","content":"Hello"}]}}`)
	})
	c := newTestClient(crm.config())

	msgs := []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}}
	out, err := c.GenerateChat(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, msgs, got.Messages)
	assert.Equal(t, "Hello", ExtractGeneratedText(out))
}

func TestClient_GenerateChatRejectsUnknownRole(t *testing.T) {
	crm := newFakeCRM(t)
	c := newTestClient(crm.config())

	_, err := c.GenerateChat(context.Background(), []Message{{Role: "tool", Content: "x"}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, int32(0), crm.tokenCalls.Load())
	assert.Equal(t, int32(0), crm.dataCalls.Load())
}

func TestClient_DownloadAsset(t *testing.T) {
	crm := newFakeCRM(t)
	png := []byte("\x89PNG\r\n\x1a\nfake")
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/apexrest/tableau/asset", r.URL.Path)
		assert.Equal(t, "Bed Occupancy", r.URL.Query().Get("name"))
		assert.Equal(t, "v-1", r.URL.Query().Get("view"))
		assert.Equal(t, "png", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	})
	c := newTestClient(crm.config())

	out, err := c.DownloadAsset(context.Background(), AssetRequest{Name: "Bed Occupancy", ViewID: "v-1", AssetType: "png"})
	require.NoError(t, err)
	assert.Equal(t, png, out)
}

func TestClient_InvalidJSONResponse(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	})
	c := newTestClient(crm.config())

	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	assert.Equal(t, apperr.KindRemote, apperr.KindOf(err))
}

func TestClient_OversizedResponseFails(t *testing.T) {
	crm := newFakeCRM(t)
	crm.setData(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"totalSize":1,"done":true,"records":[{"Id":%q}]}`, strings.Repeat("a", 64))
	})
	c := newTestClient(crm.config())
	c.maxBody = 32

	_, err := c.Query(context.Background(), "SELECT Id FROM Patient__c")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemote, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "exceeds 32 bytes")

	c.maxBody = maxResponseBytes
	_, err = c.Query(context.Background(), "SELECT Id FROM Patient__c")
	assert.NoError(t, err)
}

func TestClient_CallerCancellationDoesNotFailSharedFetch(t *testing.T) {
	crm := newFakeCRM(t)
	crm.tokenDelay = 100 * time.Millisecond
	c := newTestClient(crm.config())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Query(ctx, "SELECT Id FROM Account")
	require.Error(t, err)

	_, err = c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, int32(1), crm.tokenCalls.Load(), "the abandoned fetch still populates the token")
}

func TestClient_JWTBearerFlow(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var instance string
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, jwtBearerGrantType, r.PostForm.Get("grant_type"))

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "portal-client", claims.Issuer)
		assert.Equal(t, "integration@hospital.example", claims.Subject)
		assert.Equal(t, jwt.ClaimStrings{instance}, claims.Audience)

		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "jwt-token",
			"instance_url": instance,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/services/data/v62.0/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"records":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	instance = srv.URL

	c := newTestClient(Config{
		AuthFlow:   FlowJWTBearer,
		ClientID:   "portal-client",
		Username:   "integration@hospital.example",
		TokenURL:   srv.URL + "/services/oauth2/token",
		PrivateKey: key,
	})
	_, err = c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
}

func TestClient_JWTBearerMissingKey(t *testing.T) {
	c := newTestClient(Config{
		AuthFlow: FlowJWTBearer,
		ClientID: "id",
		Username: "u",
		TokenURL: "https://login.example.com/services/oauth2/token",
	})
	err := c.Authenticate(context.Background())
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestExtractGeneratedText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"generation":{"generatedText":"a"}}`, "a"},
		{`{"generationDetails":{"generations":[{"content":"b"}]}}`, "b"},
		{`{"generationDetails":{"generations":[]}}`, ""},
		{`{"something":"else"}`, ""},
		{`not json`, ""},
		{`{"generation":{"generatedText":""},"generationDetails":{"generations":[{"content":"c"}]}}`, "c"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractGeneratedText(json.RawMessage(tc.in)), tc.in)
	}
}

func TestAudienceFromTokenURL(t *testing.T) {
	assert.Equal(t, "https://login.salesforce.com", audienceFromTokenURL("https://login.salesforce.com/services/oauth2/token"))
	assert.True(t, strings.HasPrefix(audienceFromTokenURL("not a url"), "not"))
}
