// Package sessions implements the transport independent half of a SockJS
// server: the Session state machine and the Registry that expires sessions
// nobody is polling anymore.
//
// Layers & Roles
//
//	Transport adapter -> owns one physical HTTP response or socket (sockjshttp)
//	Session           -> queue, flush policy, heartbeat, close semantics
//	Connection        -> application callbacks (OnOpen / OnMessage / OnClose)
//	Registry          -> id lookup and expiry of unattached sessions
//
// # Lifecycle
//
// A session starts connecting. The first successful [Session.Attach] opens
// it: the open frame goes to the attached handler and OnOpen runs. Polling
// transports attach and detach once per request; streaming transports stay
// attached until their byte quota is used up or the client goes away. At
// most one handler is attached at a time and a second attach is answered
// with close code 2010.
//
// Close is terminal. The first close reason sticks and is replayed to any
// later attach until the registry sweep drops the session.
//
// # Flushing
//
// By default sends made within one scheduler tick are coalesced into a single
// batch frame. [WithImmediateFlush] delivers synchronously when nothing is
// queued.
//
// # Locking
//
// Each Session has its own mutex. Handlers are invoked with it held;
// application callbacks never are. The Registry lock and a Session lock are
// never held at the same time: sessions promote themselves after releasing
// their own lock, and the registry releases its lock before expiring a
// session.
package sessions
