// Package socketcore provides the core of a real-time messaging server in the
// style of Socket.IO v4: namespaces, rooms, typed events, acknowledgements,
// admission checks and reconnection with room recovery.
//
// Sockets are reached over a Transport. The engineio subpackage serves
// websockets speaking Engine.IO v4; Loopback connects clients in-process.
//
// # Quick Start
//
//	server, err := socketcore.NewServer(nil, socketcore.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chat := server.Of("/chat")
//	chat.OnConnect(func(socket *socketcore.Socket) {
//	    socket.On("join", func(msg *socketcore.Message) {
//	        _ = socket.Join(msg.Get("room").String())
//	    })
//	    socket.OnKind(socketcore.KindChat, func(msg *socketcore.Message) {
//	        room := msg.Get("room").String()
//	        _ = socket.To(room).Emit(context.Background(), msg.Event)
//	    })
//	})
//
//	http.Handle("/socket.io/", server)
//	http.ListenAndServe(":3000", nil)
//
// # Admission
//
// A client joins a namespace only after every check registered with
// Server.Use and Namespace.Use has accepted its handshake. A check rejects
// by returning an error; the client receives a CONNECT_ERROR carrying the
// reason and no socket is created.
//
//	server.Use(socketcore.JWT(secret))
//	game.Use(socketcore.ConnectionLimit(100))
//
// # Targets and delivery
//
// Every outbound message is an Envelope: an Event, a Target and a
// DeliveryMode.
//
//	socket.Send(ctx, socketcore.Envelope{
//	    Event:  ev,
//	    Target: socketcore.ToRoomExceptSender("lobby"),
//	    Mode:   socketcore.Volatile,
//	})
//
// Guaranteed messages are queued per socket and written in order; when the
// queue is full the send fails with ErrQueueOverflow. Volatile messages are
// dropped instead of waiting.
//
// # Acknowledgements
//
//	pending, err := socket.EmitWithAck(ctx, ev, 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	reply, err := pending.Wait(ctx)
//
// A request completes exactly once: with the first reply, with ErrAckTimeout,
// or with ErrConnectionClosed when either end closes.
//
// # Reconnection
//
// A socket that loses its transport unintentionally keeps its id and
// remembers its rooms. The CONNECT reply of a websocket socket carries a
// private "pid" next to its public "sid". A client resumes by presenting that
// pid in its CONNECT auth payload; the handshake is checked again, must yield
// the same attributes as the first admission, and the rooms are restored,
// each announced once with a "rejoined" presence event. Attempts are paced by
// the configured ReconnectPolicy, whose delays strictly grow.
//
// # Thread Safety
//
// All operations are goroutine-safe. Handlers of one socket run one at a
// time, in arrival order, on the transport's read goroutine.
package socketcore
