//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentdock/internal/adapter/callback"
	"agentdock/internal/adapter/credential"
	"agentdock/internal/adapter/gateway"
	"agentdock/internal/adapter/oauth"
	"agentdock/internal/adapter/process"
	"agentdock/internal/adapter/store"
	"agentdock/internal/domain"
	"agentdock/internal/infra/config"
	"agentdock/internal/security"
	"agentdock/internal/usecase/checkin"
	"agentdock/internal/usecase/configresolve"
	"agentdock/internal/usecase/document"
	"agentdock/internal/usecase/eventbus"
	"agentdock/internal/usecase/lifecycle"
	"agentdock/internal/usecase/prompt"
	"agentdock/internal/usecase/routing"
	"agentdock/internal/usecase/scheduling"
)

const platformURL = "https://dock.example.com"

var scout = domain.AgentRef{Space: "sp-1", Channel: "ch-1", Callsign: "scout"}

// stack is a fully wired control plane without a process runtime command,
// so every spawn attempt fails.
type stack struct {
	store   *store.Store
	jwt     *credential.JWT
	gateway *gateway.Server
	router  *routing.Router
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := NewTestContext(t, DefaultTimeout)

	cipher, err := security.NewSecretCipher("integration passphrase")
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "agentdock.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateSpace(ctx, domain.Space{ID: "sp-1", Name: "ops", RootChannelID: "ch-1"}))
	require.NoError(t, st.CreateChannel(ctx, domain.Channel{ID: "ch-1", SpaceID: "sp-1", Name: "general", Mission: "Ship it."}))
	require.NoError(t, st.AddRosterEntry(ctx, domain.RosterEntry{ChannelID: "ch-1", Callsign: "scout", AgentType: "researcher"}))

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	presence := eventbus.NewPresenceNotifier(bus, nil, nil)

	jwt, err := credential.NewJWT("integration-signing-key-0123456789", "agentdock", time.Minute)
	require.NoError(t, err)

	locator := document.NewLocator(st, st, document.NewParser(64))
	resolver := configresolve.New(configresolve.Deps{
		Artifacts:    st,
		Secrets:      st,
		Integrations: st,
		Tokens:       oauth.NewRefresher(st, http.DefaultClient, time.Minute, nil),
		Locator:      locator,
	}, configresolve.Options{PlatformURL: platformURL}, nil)

	manager := lifecycle.New(lifecycle.Deps{
		Channels: st,
		Roster:   st,
		Prompts:  prompt.NewBuilder(st, st, locator, nil),
		Tools:    resolver,
		Env:      resolver,
		Issuer:   jwt,
		Runtime:  process.New(process.Config{WorkDir: t.TempDir()}, nil),
		Bus:      bus,
	}, nil)

	gw := gateway.NewServer(bus, gateway.NewStaticTokenAuth([]config.TokenConfig{
		{Token: "ops", Name: "ops", Roles: []string{gateway.RoleOperator}},
		{Token: "worker", Name: "worker", Roles: []string{gateway.RoleWorker}},
	}), gateway.Options{Addr: "127.0.0.1:0", PushTimeout: 2 * time.Second}, nil)

	router := routing.New(routing.Deps{
		Channels:  st,
		Roster:    st,
		Runtimes:  st,
		Lifecycle: manager,
		Workers:   gw,
		Callbacks: callback.NewPusher(2*time.Second, callback.BreakerConfig{}, nil),
		Presence:  presence,
	}, nil)

	gateway.RegisterDefaultHandlers(gw, gateway.HandlerDeps{
		Channels:  st,
		Roster:    st,
		Runtimes:  st,
		Messages:  st,
		Router:    router,
		Lifecycle: manager,
		Presence:  presence,
		Releaser:  scheduling.NewRuntimeSweeper(st, st, presence, nil, time.Minute, nil),
	})
	gw.RegisterHTTPRoute("POST "+gateway.CheckInPath, gateway.CheckInHandler(checkin.New(jwt, st, st, presence, nil), nil))

	srvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Start(srvCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-gw.Ready()

	return &stack{store: st, jwt: jwt, gateway: gw, router: router}
}

func (s *stack) checkIn(t *testing.T, callbackURL string) checkin.Result {
	t.Helper()
	cred, err := s.jwt.Issue(scout)
	require.NoError(t, err)

	body, _ := json.Marshal(checkin.Request{CallbackURL: callbackURL})
	req, err := http.NewRequest(http.MethodPost, "http://"+s.gateway.BoundAddr()+gateway.CheckInPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res checkin.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func (s *stack) post(t *testing.T, ctx context.Context, content string) domain.Message {
	t.Helper()
	msg := domain.Message{ID: "m-" + strings.ReplaceAll(time.Now().Format("150405.000000000"), ".", ""), ChannelID: "ch-1", Sender: "alice", Content: content, CreatedAt: time.Now()}
	require.NoError(t, s.store.AppendMessage(ctx, msg))
	return msg
}

func TestE2E_CheckInThenCallbackDelivery(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, DefaultTimeout)
	s := newStack(t)

	deliveries := make(chan domain.Delivery, 1)
	container := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d domain.Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		deliveries <- d
		w.WriteHeader(http.StatusAccepted)
	}))
	defer container.Close()

	missed := s.post(t, ctx, "@scout are you there?")
	res := s.checkIn(t, container.URL)
	assert.Equal(t, scout, res.Ref)
	require.Len(t, res.Backlog, 1, "messages posted before check-in come back as backlog")
	assert.Equal(t, missed.ID, res.Backlog[0].ID)

	msg := s.post(t, ctx, "@scout summarize the incident")
	s.router.Route(ctx, "ch-1", []string{"scout"}, msg)

	select {
	case d := <-deliveries:
		assert.Equal(t, msg.ID, d.Message.ID)
		assert.Equal(t, scout.InstanceID(), d.InstanceID)
		assert.Contains(t, d.SystemPrompt, "#general")
		assert.Contains(t, d.SystemPrompt, "Ship it.")
		assert.NotEmpty(t, d.Credential)
		require.NotEmpty(t, d.Tools)
		assert.Equal(t, configresolve.PlatformToolName, d.Tools[0].Name)
		assert.Equal(t, platformURL+"/mcp", d.Tools[0].URL)
		assert.Equal(t, "Bearer "+d.Credential, d.Tools[0].Headers["Authorization"])
	case <-time.After(5 * time.Second):
		t.Fatal("container did not receive the delivery")
	}

	e, err := s.store.GetRosterEntry(ctx, "ch-1", "scout")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, e.LastReadMessageID)
	assert.False(t, e.LastDeliveryAt.IsZero())
}

func TestE2E_DeadCallbackIsCleared(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, DefaultTimeout)
	s := newStack(t)

	container := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer container.Close()
	s.checkIn(t, container.URL)

	msg := s.post(t, ctx, "@scout ping")
	s.router.Route(ctx, "ch-1", []string{"scout"}, msg)

	e, err := s.store.GetRosterEntry(ctx, "ch-1", "scout")
	require.NoError(t, err)
	assert.Empty(t, e.CallbackURL, "failed callback is removed before respawning")
	assert.Empty(t, e.LastReadMessageID)
}

func TestE2E_WorkerDelivery(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, DefaultTimeout)
	s := newStack(t)

	ws, _, err := websocket.Dial(ctx, "ws://"+s.gateway.BoundAddr()+"/ws?token=worker", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	rpc := func(id uint64, method string, payload any) gateway.Frame {
		raw, _ := json.Marshal(payload)
		require.NoError(t, wsjson.Write(ctx, ws, gateway.Frame{Type: gateway.FrameTypeRequest, ID: id, Method: method, Payload: raw}))
		for {
			var f gateway.Frame
			require.NoError(t, wsjson.Read(ctx, ws, &f))
			if f.Type == gateway.FrameTypeResponse && f.ID == id {
				return f
			}
		}
	}
	require.Empty(t, rpc(1, "worker.hello", map[string]string{"runtime_id": "rt-1", "name": "laptop"}).Error)
	require.Empty(t, rpc(2, "worker.bind", map[string]string{"channel_id": "ch-1", "callsign": "scout"}).Error)

	msg := s.post(t, ctx, "@scout build it")
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		s.router.Route(ctx, "ch-1", []string{"scout"}, msg)
	}()

	var req gateway.Frame
	for req.Method != gateway.MethodDeliver {
		require.NoError(t, wsjson.Read(ctx, ws, &req))
	}
	var d domain.Delivery
	require.NoError(t, json.Unmarshal(req.Payload, &d))
	assert.Equal(t, msg.ID, d.Message.ID)
	require.NoError(t, wsjson.Write(ctx, ws, gateway.Frame{Type: gateway.FrameTypeResponse, ID: req.ID}))
	<-routed

	e, err := s.store.GetRosterEntry(ctx, "ch-1", "scout")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, e.LastReadMessageID)
	assert.Equal(t, "rt-1", e.RuntimeID)

	// Dropping the connection takes the runtime offline.
	ws.Close(websocket.StatusNormalClosure, "bye")
	Eventually(t, 5*time.Second, func() bool {
		rec, err := s.store.GetRuntime(ctx, "rt-1")
		return err == nil && rec.Status == domain.RuntimeOffline
	}, "runtime offline after disconnect")
}
