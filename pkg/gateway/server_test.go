package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/beaker/beakertest"
	"github.com/harun/askem/pkg/kernel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeKernels struct {
	exec   *beakertest.Executor
	opened []string
	closed bool
}

func (f *fakeKernels) Open(_ context.Context, kernelID, kernelName string) (kernel.Executor, error) {
	f.opened = append(f.opened, kernelID+"|"+kernelName)
	return f.exec, nil
}

func (f *fakeKernels) Close() error {
	f.closed = true
	return nil
}

type echoContext struct {
	*beaker.BaseContext
	setupInfo map[string]any
}

func (e *echoContext) Setup(_ context.Context, info map[string]any) error {
	e.setupInfo = info
	return nil
}

var echoProcedures = fstest.MapFS{
	"python3/hello.tmpl":  {Data: []byte(`print("hello {{ .who }}")`)},
	"python3/repeat.tmpl": {Data: []byte(`print({{ pystr .who }} * {{ pyrepr .n }}, {{ pyrepr .scale }})`)},
}

func echoFactory() beaker.Factory {
	return beaker.Factory{
		Description: "echo",
		Kernels:     []string{"python3"},
		Actions:     []string{"echo"},
		New: func(deps beaker.Deps) (beaker.Context, error) {
			base, err := beaker.NewBase(beaker.BaseConfig{Slug: "echo", Procedures: echoProcedures}, deps)
			if err != nil {
				return nil, err
			}
			base.Action("echo", `{"text": "..."}`, func(_ context.Context, msg beaker.Message) (any, error) {
				return map[string]any{"text": msg.String("text")}, nil
			})
			return &echoContext{BaseContext: base}, nil
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeKernels, *httptest.Server) {
	t.Helper()

	exec := beakertest.NewExecutor("python3").On("1 + 1", beakertest.Return("2"))
	env := beakertest.NewEnv(t, exec)
	kernels := &fakeKernels{exec: exec}

	manager := beaker.NewManager(zerolog.Nop())
	require.NoError(t, manager.Register("echo", echoFactory()))
	env.Deps.Templates.Register("echo", echoProcedures)

	srv, err := NewServer(Config{
		SharedSecret:  testSecret,
		TickInterval:  time.Hour,
		Manager:       manager,
		Kernels:       kernels,
		Deps:          env.Deps,
		DefaultKernel: "python3",
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, kernels, httpSrv
}

func callRPC(t *testing.T, baseURL, method string, params map[string]interface{}) RPCResponse {
	t.Helper()

	body, err := json.Marshal(RPCRequest{ID: "req-1", Method: method, Params: params})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestNewServer(t *testing.T) {
	manager := beaker.NewManager(zerolog.Nop())
	kernels := &fakeKernels{}

	_, err := NewServer(Config{Manager: manager, Kernels: kernels})
	assert.ErrorContains(t, err, "shared secret")
	_, err = NewServer(Config{SharedSecret: "s", Kernels: kernels})
	assert.ErrorContains(t, err, "context manager")
	_, err = NewServer(Config{SharedSecret: "s", Manager: manager})
	assert.ErrorContains(t, err, "kernel provider")
	_, err = NewServer(Config{SharedSecret: "s", Manager: manager, Kernels: kernels, Port: -1})
	assert.Error(t, err)
}

func TestServer_HTTP(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(httpSrv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("rpc requires the shared secret", func(t *testing.T) {
		resp, err := http.Post(httpSrv.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"contexts.list"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rpc rejects GET", func(t *testing.T) {
		resp, err := http.Get(httpSrv.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServer_ContextMethods(t *testing.T) {
	_, kernels, httpSrv := newTestServer(t)

	t.Run("list", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "contexts.list", nil)
		require.Nil(t, resp.Error)
		list := resp.Result.(map[string]interface{})["contexts"].([]interface{})
		require.Len(t, list, 1)
		assert.Equal(t, "echo", list[0].(map[string]interface{})["slug"])
	})

	t.Run("no active context", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "context.info", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, NoActiveContext, resp.Error.Code)
	})

	t.Run("setup validates params", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "context.setup", map[string]interface{}{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)

		resp = callRPC(t, httpSrv.URL, "context.setup", map[string]interface{}{"context": "echo", "kernel": "julia-1.9"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "does not run on julia-1.9")
		assert.Empty(t, kernels.opened)
	})

	t.Run("setup on the default kernel", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "context.setup", map[string]interface{}{
			"context": "echo",
			"info":    map[string]interface{}{"id": "m-1"},
		})
		require.Nil(t, resp.Error)
		info := resp.Result.(map[string]interface{})
		assert.Equal(t, "echo", info["slug"])
		assert.Equal(t, "python3", info["kernel"])
		assert.Equal(t, []string{"|python3"}, kernels.opened)

		resp = callRPC(t, httpSrv.URL, "context.info", nil)
		require.Nil(t, resp.Error)
		assert.Equal(t, "kernel-1", resp.Result.(map[string]interface{})["kernel_id"])
	})

	t.Run("execute", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "context.execute", map[string]interface{}{"code": "1 + 1"})
		require.Nil(t, resp.Error)
		assert.Equal(t, "2", resp.Result.(map[string]interface{})["return"])

		resp = callRPC(t, httpSrv.URL, "context.execute", map[string]interface{}{"code": 5})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("action", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "context.action", map[string]interface{}{
			"name":    "echo",
			"content": map[string]interface{}{"text": "hi"},
		})
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})["result"].(map[string]interface{})
		assert.Equal(t, "hi", result["text"])

		resp = callRPC(t, httpSrv.URL, "context.action", map[string]interface{}{"name": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("render", func(t *testing.T) {
		resp := callRPC(t, httpSrv.URL, "templates.render", map[string]interface{}{
			"toolset": "echo",
			"name":    "hello",
			"vars":    map[string]interface{}{"who": "world"},
		})
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, `print("hello world")`, result["code"])
		cell := result["code_cell"].(map[string]interface{})
		assert.Equal(t, "code_cell", cell["action"])
		assert.Equal(t, "python3", cell["language"])

		resp = callRPC(t, httpSrv.URL, "templates.render", map[string]interface{}{
			"toolset": "echo",
			"name":    "repeat",
			"vars":    map[string]interface{}{"who": "hi", "n": 3, "scale": 0.5},
		})
		require.Nil(t, resp.Error)
		assert.Equal(t, `print("hi" * 3, 0.5)`, resp.Result.(map[string]interface{})["code"])

		resp = callRPC(t, httpSrv.URL, "templates.render", map[string]interface{}{"toolset": "echo", "name": "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, KindTemplate, resp.Error.Data.(map[string]interface{})["kind"])
	})
}

func TestServer_WebSocket(t *testing.T) {
	srv, kernels, httpSrv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func(v interface{}) {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(v))
	}

	var challenge AuthChallenge
	read(&challenge)
	assert.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "early", Method: "contexts.list"}))
	var early RPCResponse
	read(&early)
	require.NotNil(t, early.Error)
	assert.Equal(t, AuthenticationRequired, early.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, testSecret),
	}))
	var result AuthResult
	read(&result)
	require.True(t, result.Success)
	assert.Len(t, srv.GetConnectedClients(), 1)

	var (
		events    = map[string]EventMessage{}
		responses = map[string]RPCResponse{}
	)
	collect := func(done func() bool) {
		t.Helper()
		for !done() {
			var raw map[string]json.RawMessage
			read(&raw)
			data, err := json.Marshal(raw)
			require.NoError(t, err)
			if _, ok := raw["event"]; ok {
				var ev EventMessage
				require.NoError(t, json.Unmarshal(data, &ev))
				events[ev.Event] = ev
				continue
			}
			var resp RPCResponse
			require.NoError(t, json.Unmarshal(data, &resp))
			responses[resp.ID] = resp
		}
	}

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "s1", Method: "context.setup", Params: map[string]interface{}{"context": "echo"}}))
	collect(func() bool {
		_, ok := responses["s1"]
		return ok
	})

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "a1", Method: "context.action", Params: map[string]interface{}{
		"name":    "echo",
		"content": map[string]interface{}{"text": "over ws"},
		"header":  map[string]interface{}{"msg_id": "m-9"},
	}}))
	collect(func() bool {
		_, gotResp := responses["a1"]
		_, gotEvent := events["echo_response"]
		return gotResp && gotEvent
	})

	assert.Nil(t, responses["s1"].Error)
	assert.Nil(t, responses["a1"].Error)
	assert.Contains(t, events, "context.ready")
	ev := events["echo_response"]
	assert.Equal(t, StreamTypeContext, ev.Stream)
	assert.Equal(t, "echo", ev.Context)
	assert.Equal(t, "m-9", ev.Parent["msg_id"])

	require.NoError(t, srv.Stop())
	assert.True(t, kernels.closed)
}
