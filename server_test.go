package socketcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsClient speaks just enough Engine.IO to drive the server in tests.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	pid  string
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	if query != "" {
		url += "&" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, open, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, byte('0'), open[0])

	var hs struct {
		SID          string `json:"sid"`
		PingInterval int    `json:"pingInterval"`
	}
	require.NoError(t, json.Unmarshal(open[1:], &hs))
	require.NotEmpty(t, hs.SID)
	require.Equal(t, 25000, hs.PingInterval)

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(packet string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte("4"+packet)))
}

// read returns the next Socket.IO packet, skipping Engine.IO control frames.
func (c *wsClient) read() *Packet {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(eventually))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		if len(data) == 0 || data[0] != '4' {
			continue
		}
		packet, err := DecodePacket(data[1:])
		require.NoError(c.t, err)
		return packet
	}
}

func (c *wsClient) connect(packet string) string {
	c.t.Helper()

	c.send(packet)
	reply := c.read()
	require.Equal(c.t, PacketTypeConnect, reply.Type, "got %s", reply.Data)

	var body struct {
		SID string `json:"sid"`
		PID string `json:"pid"`
	}
	require.NoError(c.t, json.Unmarshal(reply.Data, &body))
	c.pid = body.PID
	return body.SID
}

func newWSServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()

	srv := newTestServer(t, cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestWebsocketEventAndAck(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	srv.Of("/chat").OnConnect(func(socket *Socket) {
		socket.On("echo", func(msg *Message) {
			_ = msg.Reply(msg.Payload)
		})
		socket.On("join", func(msg *Message) {
			_ = socket.Join(msg.Get("room").String())
		})
	})

	client := dialWS(t, ts, "")
	sid := client.connect("0/chat,")
	require.NotEmpty(t, sid)

	sock, ok := srv.Socket(sid)
	require.True(t, ok)
	assert.Equal(t, "/chat", sock.Namespace().Name())

	client.send(`2/chat,7["echo",{"x":1}]`)
	ack := client.read()
	assert.Equal(t, PacketTypeAck, ack.Type)
	require.NotNil(t, ack.ID)
	assert.EqualValues(t, 7, *ack.ID)
	assert.JSONEq(t, `[{"x":1}]`, string(ack.Data))

	client.send(`2/chat,["join",{"room":"lobby"}]`)
	presence := client.read()
	assert.Equal(t, PacketTypeEvent, presence.Type)
	ev, err := decodeEvent(presence)
	require.NoError(t, err)
	assert.Equal(t, KindPresence, ev.Kind)
	assert.Equal(t, []string{"lobby"}, sock.Rooms())

	require.NoError(t, srv.Of("/chat").To("lobby").Emit(context.Background(), NewEvent("news", []byte(`"hello"`))))
	news := client.read()
	assert.Equal(t, `2/chat,["news","hello"]`, string(news.Encode()))
}

func TestWebsocketServerRequest(t *testing.T) {
	srv, ts := newWSServer(t, nil)

	client := dialWS(t, ts, "")
	sid := client.connect("0")
	sock, ok := srv.Socket(sid)
	require.True(t, ok)

	pending, err := sock.EmitWithAck(context.Background(), NewEvent("question", nil), time.Second)
	require.NoError(t, err)

	question := client.read()
	require.NotNil(t, question.ID)
	client.send("3" + jsonString(t, *question.ID) + `["answer"]`)

	reply, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "answer", reply.Get("@this").String())
}

func TestWebsocketConnectError(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	srv.Of("/secure").Use(Credentials(func(user, pass string) bool { return false }))

	client := dialWS(t, ts, "")
	client.send(`0/secure,{"username":"eve","password":"x"}`)

	reply := client.read()
	assert.Equal(t, PacketTypeConnectError, reply.Type)
	assert.JSONEq(t, `{"message":"invalid credentials"}`, string(reply.Data))
	assert.Empty(t, srv.Of("/secure").Sockets())

	_ = client.conn.SetReadDeadline(time.Now().Add(eventually))
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestWebsocketNamespaceFromQuery(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	srv.Of("/game")

	client := dialWS(t, ts, "ns=/game")
	sid := client.connect("0")

	sock, ok := srv.Socket(sid)
	require.True(t, ok)
	assert.Equal(t, "/game", sock.Namespace().Name())
}

func TestWebsocketResumeKeepsRooms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}
	srv, ts := newWSServer(t, cfg)
	srv.Of("/chat").OnConnect(func(socket *Socket) {
		socket.On("join", func(msg *Message) {
			_ = socket.Join(msg.Get("room").String())
		})
	})

	first := dialWS(t, ts, "")
	sid := first.connect("0/chat,")
	sock, _ := srv.Socket(sid)

	first.send(`2/chat,["join",{"room":"lobby"}]`)
	first.read()
	require.Equal(t, []string{"lobby"}, sock.Rooms())

	first.conn.Close()
	require.Eventually(t, func() bool { return sock.State() == StateReconnecting }, eventually, time.Millisecond)
	assert.Empty(t, srv.Of("/chat").Members("lobby"))

	second := dialWS(t, ts, "")
	resumed := second.connect(`0/chat,{"pid":"` + first.pid + `"}`)
	assert.Equal(t, sid, resumed)

	rejoined := second.read()
	ev, err := decodeEvent(rejoined)
	require.NoError(t, err)
	assert.Equal(t, PresenceRejoined, presenceOf(t, ev).Kind)

	assert.Equal(t, StateConnected, sock.State())
	assert.Equal(t, []string{sid}, srv.Of("/chat").Members("lobby"))
}

func TestWebsocketResumeRefusesOtherUsers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}
	srv, ts := newWSServer(t, cfg)
	chat := srv.Of("/chat")
	chat.Use(Credentials(func(user, pass string) bool { return pass == user+"-pw" }))
	chat.OnConnect(func(socket *Socket) {
		socket.On("join", func(msg *Message) {
			_ = socket.Join(msg.Get("room").String())
		})
	})

	alice := dialWS(t, ts, "")
	aliceID := alice.connect(`0/chat,{"username":"alice","password":"alice-pw"}`)
	require.NotEmpty(t, alice.pid)
	assert.NotEqual(t, aliceID, alice.pid)
	aliceSock, ok := srv.Socket(aliceID)
	require.True(t, ok)
	alice.send(`2/chat,["join",{"room":"lobby"}]`)
	alice.read()

	bob := dialWS(t, ts, "")
	bob.connect(`0/chat,{"username":"bob","password":"bob-pw"}`)
	bob.send(`2/chat,["join",{"room":"lobby"}]`)
	ev, err := decodeEvent(bob.read())
	require.NoError(t, err)
	members := presenceOf(t, ev).Members
	assert.Contains(t, members, aliceID)
	assert.NotContains(t, members, alice.pid)

	alice.conn.Close()
	require.Eventually(t, func() bool { return aliceSock.State() == StateReconnecting }, eventually, time.Millisecond)

	// the public id seen in presence events does not resume anything
	public := dialWS(t, ts, "")
	sid := public.connect(`0/chat,{"username":"bob","password":"bob-pw","pid":"` + aliceID + `"}`)
	assert.NotEqual(t, aliceID, sid)
	assert.Equal(t, StateReconnecting, aliceSock.State())

	// the private id presented by someone else is refused
	thief := dialWS(t, ts, "")
	thief.send(`0/chat,{"username":"bob","password":"bob-pw","pid":"` + alice.pid + `"}`)
	refusal := thief.read()
	assert.Equal(t, PacketTypeConnectError, refusal.Type)
	assert.JSONEq(t, `{"message":"session belongs to another client"}`, string(refusal.Data))
	assert.Equal(t, StateReconnecting, aliceSock.State())
	assert.NotContains(t, chat.Members("lobby"), aliceID)

	back := dialWS(t, ts, "")
	resumed := back.connect(`0/chat,{"username":"alice","password":"alice-pw","pid":"` + alice.pid + `"}`)
	assert.Equal(t, aliceID, resumed)
	assert.Equal(t, alice.pid, back.pid)

	user, _ := aliceSock.Attr("username")
	assert.Equal(t, "alice", user)
	assert.Contains(t, chat.Members("lobby"), aliceID)
}

func TestWebsocketRejectedHandshakeCreatesNoNamespace(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	srv.Use(Credentials(func(user, pass string) bool { return user == "alice" && pass == "alice-pw" }))

	client := dialWS(t, ts, "")
	client.send(`0/ghost,{"username":"eve","password":"x"}`)
	reply := client.read()
	assert.Equal(t, PacketTypeConnectError, reply.Type)
	assert.False(t, hasNamespace(srv, "/ghost"))

	member := dialWS(t, ts, "")
	member.connect(`0/ghost,{"username":"alice","password":"alice-pw"}`)
	assert.True(t, hasNamespace(srv, "/ghost"))
}

func TestWebsocketUnknownPidGetsNewSocket(t *testing.T) {
	srv, ts := newWSServer(t, nil)

	client := dialWS(t, ts, "")
	sid := client.connect(`0{"pid":"does-not-exist"}`)
	assert.NotEqual(t, "does-not-exist", sid)

	_, ok := srv.Socket(sid)
	assert.True(t, ok)
}

func TestServeHTTPRejectsOtherPaths(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=polling", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerShutdownDisconnectsWebsockets(t *testing.T) {
	srv, ts := newWSServer(t, nil)

	client := dialWS(t, ts, "")
	sid := client.connect("0")
	sock, _ := srv.Socket(sid)

	require.NoError(t, srv.Close(context.Background()))
	assert.Equal(t, StateClosed, sock.State())

	bye := client.read()
	assert.Equal(t, PacketTypeDisconnect, bye.Type)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func jsonString(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
