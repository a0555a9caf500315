package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// websocket rendition of the Transport contract. One `WsTransport` serves
// many targets over http upgrade; each target authenticates with a JWT whose
// `client_id` claim carries its Target id, echoed back on success. The
// target-facing `WsClientTransport` dials, authenticates the same way and
// then pumps envelopes.
//
// The core treats this as an injected capability like any other Transport

const WsSendBufferSize = 32

type wsEnvelope struct {
	Namespace string          `json:"namespace"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`
}

type WsTransportSettings struct {
	AuthTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		AuthTimeout:  2 * time.Second,
		PingTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	// HS256 secret. empty accepts any parseable token
	secret []byte

	settings *WsTransportSettings

	upgrader websocket.Upgrader

	mutex    sync.Mutex
	conns    map[Target]*wsConn
	handlers map[string]*CallbackList[HandlerFunction]

	targetCallbacks *CallbackList[TargetFunction]
}

func NewWsTransportWithDefaults(ctx context.Context, secret []byte) *WsTransport {
	return NewWsTransport(ctx, secret, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, secret []byte, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		secret:          secret,
		settings:        settings,
		conns:           map[Target]*wsConn{},
		handlers:        map[string]*CallbackList[HandlerFunction]{},
		targetCallbacks: NewCallbackList[TargetFunction](),
	}
}

type wsConn struct {
	target Target
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

func (self *WsTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}

	target, err := self.auth(ws)
	if err != nil {
		glog.Infof("[ws]auth error = %s\n", err)
		ws.Close()
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	conn := &wsConn{
		target: target,
		ws:     ws,
		send:   make(chan []byte, WsSendBufferSize),
		cancel: handleCancel,
	}

	self.mutex.Lock()
	if previous, ok := self.conns[target]; ok {
		// one session per target. the newer connection wins
		previous.cancel()
	}
	self.conns[target] = conn
	self.mutex.Unlock()

	glog.V(1).Infof("[ws]target connected %s\n", target)
	for _, targetCallback := range self.targetCallbacks.Get() {
		targetCallback(target, true)
	}

	go self.writePump(handleCtx, conn)
	self.readPump(handleCtx, conn)

	handleCancel()
	self.mutex.Lock()
	if self.conns[target] == conn {
		delete(self.conns, target)
	}
	self.mutex.Unlock()
	ws.Close()

	glog.V(1).Infof("[ws]target disconnected %s\n", target)
	for _, targetCallback := range self.targetCallbacks.Get() {
		targetCallback(target, false)
	}
}

// first frame is the JWT. the target id comes from the client_id claim and
// the frame is echoed back on success
func (self *WsTransport) auth(ws *websocket.Conn) (Target, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return Target{}, err
	}
	target, err := parseClientId(string(message), self.secret)
	if err != nil {
		return Target{}, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		return Target{}, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	return target, nil
}

func (self *WsTransport) readPump(ctx context.Context, conn *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			var envelope wsEnvelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				glog.Infof("[ws]bad envelope from %s = %s\n", conn.target, err)
				continue
			}
			self.dispatch(conn.target, &envelope)
		}
	}
}

func (self *WsTransport) dispatch(source Target, envelope *wsEnvelope) {
	self.mutex.Lock()
	callbackList, ok := self.handlers[endpointKey(envelope.Namespace, envelope.Endpoint)]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[ws]no handler for %s/%s\n", envelope.Namespace, envelope.Endpoint)
		return
	}
	for _, handler := range callbackList.Get() {
		handler(source, envelope.Payload)
	}
}

func (self *WsTransport) writePump(ctx context.Context, conn *wsConn) {
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				conn.cancel()
				return
			}
		case <-pingTicker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.cancel()
				return
			}
		}
	}
}

func (self *WsTransport) Fire(target Target, namespace string, endpoint string, payload []byte) bool {
	self.mutex.Lock()
	conn, ok := self.conns[target]
	self.mutex.Unlock()
	if !ok {
		return false
	}
	message, err := json.Marshal(&wsEnvelope{
		Namespace: namespace,
		Endpoint:  endpoint,
		Payload:   payload,
	})
	if err != nil {
		panic(err)
	}
	select {
	case conn.send <- message:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *WsTransport) FireFor(targets []Target, namespace string, endpoint string, payload []byte) {
	for _, target := range targets {
		self.Fire(target, namespace, endpoint, payload)
	}
}

func (self *WsTransport) FireAll(namespace string, endpoint string, payload []byte) {
	self.FireFor(self.Targets(), namespace, endpoint, payload)
}

func (self *WsTransport) Connect(namespace string, endpoint string, handler HandlerFunction) func() {
	self.mutex.Lock()
	key := endpointKey(namespace, endpoint)
	callbackList, ok := self.handlers[key]
	if !ok {
		callbackList = NewCallbackList[HandlerFunction]()
		self.handlers[key] = callbackList
	}
	callbackId := callbackList.Add(handler)
	self.mutex.Unlock()
	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *WsTransport) AddTargetCallback(targetCallback TargetFunction) func() {
	callbackId := self.targetCallbacks.Add(targetCallback)
	for _, target := range self.Targets() {
		targetCallback(target, true)
	}
	return func() {
		self.targetCallbacks.Remove(callbackId)
	}
}

func (self *WsTransport) Targets() []Target {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	targets := make([]Target, 0, len(self.conns))
	for target := range self.conns {
		targets = append(targets, target)
	}
	return targets
}

func (self *WsTransport) Close() {
	self.cancel()
}

func parseClientId(byJwt string, secret []byte) (Target, error) {
	var claims gojwt.MapClaims
	if len(secret) == 0 {
		parser := gojwt.NewParser()
		token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
		if err != nil {
			return Target{}, err
		}
		claims = token.Claims.(gojwt.MapClaims)
	} else {
		token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return secret, nil
		})
		if err != nil {
			return Target{}, err
		}
		claims = token.Claims.(gojwt.MapClaims)
	}

	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Target{}, fmt.Errorf("missing client_id claim")
	}
	return ParseId(clientIdStr)
}

// target-facing side

type WsClientTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsClientTransportSettings() *WsClientTransportSettings {
	return &WsClientTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type WsClientTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsClientTransportSettings

	ws   *websocket.Conn
	send chan []byte

	mutex    sync.Mutex
	handlers map[string]*CallbackList[func(payload []byte)]
}

func DialWsWithDefaults(ctx context.Context, url string, byJwt string) (*WsClientTransport, error) {
	return DialWs(ctx, url, byJwt, DefaultWsClientTransportSettings())
}

func DialWs(ctx context.Context, url string, byJwt string, settings *WsClientTransportSettings) (*WsClientTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	authBytes := []byte(byJwt)
	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	if _, message, err := ws.ReadMessage(); err != nil {
		ws.Close()
		return nil, err
	} else if !bytes.Equal(authBytes, message) {
		ws.Close()
		return nil, fmt.Errorf("auth response error: bad bytes")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsClientTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		ws:       ws,
		send:     make(chan []byte, WsSendBufferSize),
		handlers: map[string]*CallbackList[func(payload []byte)]{},
	}
	go transport.readPump()
	go transport.writePump()
	return transport, nil
}

func (self *WsClientTransport) readPump() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			var envelope wsEnvelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				glog.Infof("[ws]bad envelope = %s\n", err)
				continue
			}
			self.mutex.Lock()
			callbackList, ok := self.handlers[endpointKey(envelope.Namespace, envelope.Endpoint)]
			self.mutex.Unlock()
			if !ok {
				continue
			}
			for _, handler := range callbackList.Get() {
				handler(envelope.Payload)
			}
		}
	}
}

func (self *WsClientTransport) writePump() {
	defer self.cancel()
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-pingTicker.C:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *WsClientTransport) Fire(namespace string, endpoint string, payload []byte) bool {
	message, err := json.Marshal(&wsEnvelope{
		Namespace: namespace,
		Endpoint:  endpoint,
		Payload:   payload,
	})
	if err != nil {
		panic(err)
	}
	select {
	case self.send <- message:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *WsClientTransport) Connect(namespace string, endpoint string, handler func(payload []byte)) func() {
	self.mutex.Lock()
	key := endpointKey(namespace, endpoint)
	callbackList, ok := self.handlers[key]
	if !ok {
		callbackList = NewCallbackList[func(payload []byte)]()
		self.handlers[key] = callbackList
	}
	callbackId := callbackList.Add(handler)
	self.mutex.Unlock()
	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *WsClientTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WsClientTransport) Close() {
	self.cancel()
	self.ws.Close()
}
