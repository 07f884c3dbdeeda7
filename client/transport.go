// Copyright 2022 The jobwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrMissingCredential a non-browser client has no credential to offer
var ErrMissingCredential = errors.New("non-browser clients require a credential")

// ErrNotOpen the transport has no open connection
var ErrNotOpen = errors.New("transport not open")

// ErrHeartbeatTimeout no pong arrived in time after a ping
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// State connection state of a ConnectionTransport
type State int

// Transport states
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String toString function
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OpenHandler called when the connection opens
type OpenHandler func()

// MessageHandler called for each application message received
type MessageHandler func(msg models.WireMessage)

// ErrorHandler called on a transport error, before the forced disconnect
type ErrorHandler func(err error)

// CloseHandler called once when the connection is torn down
type CloseHandler func()

// Config ConnectionTransport parameters
type Config struct {
	// Handshake is the sub-protocol handshake offered when connecting
	Handshake models.Handshake
	// BrowserCookie is the cookie carrying Handshake.Token for browser clients
	BrowserCookie string
	// PingInterval is the interval between heartbeat pings
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong after a ping
	PongTimeout time.Duration
	// WriteTimeout is the max duration of one websocket write
	WriteTimeout time.Duration
	// EventBuffer is the number of transport events buffered for the event loop
	EventBuffer int
}

// DefaultConfig a Config with the reference heartbeat timing
func DefaultConfig(handshake models.Handshake) Config {
	return Config{
		Handshake:     handshake,
		BrowserCookie: "jobwatch_session",
		PingInterval:  time.Second * 30,
		PongTimeout:   time.Second * 10,
		WriteTimeout:  time.Second * 10,
		EventBuffer:   32,
	}
}

// ConnectionTransport client side of a job update connection. It owns at most
// one physical connection at a time. All state transitions are processed one at
// a time by an internal event loop, and every handler runs on that loop.
type ConnectionTransport interface {
	// Connect start opening a connection to the endpoint. Returns immediately.
	//
	// A connect while connecting or open is logged and ignored.
	Connect(endpoint string) error
	// Disconnect close the connection. Returns immediately, and may be called from
	// a handler. Close handlers run exactly once, even if there is no connection.
	Disconnect() error
	// Send send an application message over the open connection
	Send(msg models.WireMessage) error
	// State current connection state
	State() State
	// OnOpen register an open handler
	OnOpen(handler OpenHandler)
	// OnMessage register an application message handler
	OnMessage(handler MessageHandler)
	// OnError register an error handler
	OnError(handler ErrorHandler)
	// OnClose register a close handler
	OnClose(handler CloseHandler)
	// Stop close any connection and stop the event loop
	Stop() error
}

// ========================================================================================
// Event loop events

type connectRequest struct {
	endpoint string
}

type disconnectRequest struct{}

type dialResult struct {
	session uint64
	conn    *websocket.Conn
	err     error
}

type inboundMessage struct {
	session uint64
	data    []byte
}

type readerExited struct {
	session uint64
	err     error
}

type pingTick struct {
	session uint64
}

type pongTimeout struct {
	session   uint64
	heartbeat uint64
}

// controlWake prompts the event loop to drain queued control requests
type controlWake struct{}

// ========================================================================================

// handlerSet the registered handlers of every event category
type handlerSet struct {
	open    []OpenHandler
	message []MessageHandler
	err     []ErrorHandler
	close   []CloseHandler
}

// connectionTransportImpl implements ConnectionTransport
type connectionTransportImpl struct {
	common.Component
	operationContext context.Context
	wg               *sync.WaitGroup
	config           Config
	dialer           websocket.Dialer
	tp               common.TaskProcessor
	pingTimer        common.IntervalTimer
	pongTimer        common.IntervalTimer

	// lock guards state and conn, which are read outside the event loop
	lock  sync.RWMutex
	state State
	conn  *websocket.Conn

	writeLock sync.Mutex

	handlerLock sync.Mutex
	handlers    handlerSet

	// Connect and Disconnect requests, run by the event loop ahead of its next event
	controlLock sync.Mutex
	controls    []interface{}

	// Owned by the event loop. dialCancel ends the socket of the current session.
	// heartbeat counts pongs, so a timeout armed before the latest pong is stale.
	session    uint64
	heartbeat  uint64
	dialCancel context.CancelFunc
}

// GetConnectionTransport define a new ConnectionTransport, and start its event loop
func GetConnectionTransport(
	ctxt context.Context, name string, config Config, wg *sync.WaitGroup,
) (ConnectionTransport, error) {
	logTags := log.Fields{"module": "client", "component": "transport", "instance": name}
	if config.PingInterval <= 0 || config.PongTimeout <= 0 || config.WriteTimeout <= 0 {
		return nil, fmt.Errorf("heartbeat and write timing must be positive")
	}
	if config.Handshake.Protocol == "" || config.Handshake.Platform == "" {
		return nil, fmt.Errorf("handshake requires a protocol and a platform")
	}

	tp, err := common.GetNewTaskProcessorInstance(ctxt, fmt.Sprintf("transport-%s", name), config.EventBuffer)
	if err != nil {
		return nil, err
	}
	pingTimer, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s-ping", name), ctxt, wg)
	if err != nil {
		return nil, err
	}
	pongTimer, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s-pong", name), ctxt, wg)
	if err != nil {
		return nil, err
	}

	instance := &connectionTransportImpl{
		Component:        common.Component{LogTags: logTags},
		operationContext: ctxt,
		wg:               wg,
		config:           config,
		dialer:           websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		tp:               tp,
		pingTimer:        pingTimer,
		pongTimer:        pongTimer,
		state:            StateClosed,
	}

	eventHandlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(controlWake{}):       func(interface{}) error { return nil },
		reflect.TypeOf(dialResult{}):        instance.processDialResult,
		reflect.TypeOf(inboundMessage{}):    instance.processInbound,
		reflect.TypeOf(readerExited{}):      instance.processReaderExited,
		reflect.TypeOf(pingTick{}):          instance.processPingTick,
		reflect.TypeOf(pongTimeout{}):       instance.processPongTimeout,
	}
	for paramType, handler := range eventHandlers {
		if err := tp.AddToTaskExecutionMap(paramType, instance.afterControls(handler)); err != nil {
			return nil, err
		}
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

// ========================================================================================
// Public API

// Connect start opening a connection to the endpoint
func (t *connectionTransportImpl) Connect(endpoint string) error {
	hs := t.config.Handshake
	if !hs.IsBrowser() && (hs.Scheme == "" || hs.Token == "") {
		return ErrMissingCredential
	}
	return t.requestControl(connectRequest{endpoint: endpoint})
}

// Disconnect close the connection
func (t *connectionTransportImpl) Disconnect() error {
	return t.requestControl(disconnectRequest{})
}

// Send send an application message over the open connection
func (t *connectionTransportImpl) Send(msg models.WireMessage) error {
	t.lock.RLock()
	state, conn := t.state, t.conn
	t.lock.RUnlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}
	return t.write(conn, msg)
}

// State current connection state
func (t *connectionTransportImpl) State() State {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.state
}

// OnOpen register an open handler
func (t *connectionTransportImpl) OnOpen(handler OpenHandler) {
	t.handlerLock.Lock()
	defer t.handlerLock.Unlock()
	t.handlers.open = append(t.handlers.open, handler)
}

// OnMessage register an application message handler
func (t *connectionTransportImpl) OnMessage(handler MessageHandler) {
	t.handlerLock.Lock()
	defer t.handlerLock.Unlock()
	t.handlers.message = append(t.handlers.message, handler)
}

// OnError register an error handler
func (t *connectionTransportImpl) OnError(handler ErrorHandler) {
	t.handlerLock.Lock()
	defer t.handlerLock.Unlock()
	t.handlers.err = append(t.handlers.err, handler)
}

// OnClose register a close handler
func (t *connectionTransportImpl) OnClose(handler CloseHandler) {
	t.handlerLock.Lock()
	defer t.handlerLock.Unlock()
	t.handlers.close = append(t.handlers.close, handler)
}

// Stop close any connection and stop the event loop
func (t *connectionTransportImpl) Stop() error {
	_ = t.pingTimer.Stop()
	_ = t.pongTimer.Stop()
	t.lock.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.lock.Unlock()
	return t.tp.StopEventLoop()
}

// ========================================================================================
// Helpers

func (t *connectionTransportImpl) setState(state State, conn *websocket.Conn) {
	t.lock.Lock()
	defer t.lock.Unlock()
	log.WithFields(t.LogTags).Debugf("%s -> %s", t.state, state)
	t.state = state
	t.conn = conn
}

func (t *connectionTransportImpl) write(conn *websocket.Conn, msg models.WireMessage) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(&msg)
}

// requestControl queue a control request without blocking. Safe to call from handlers.
func (t *connectionTransportImpl) requestControl(req interface{}) error {
	if t.operationContext.Err() != nil {
		return fmt.Errorf("transport stopped")
	}
	t.controlLock.Lock()
	t.controls = append(t.controls, req)
	t.controlLock.Unlock()
	// Not queued when the buffer is full; any queued event drains the request first
	_, err := t.tp.Offer(controlWake{})
	return err
}

// afterControls run pending control requests before handling the event
func (t *connectionTransportImpl) afterControls(handler common.TaskHandler) common.TaskHandler {
	return func(param interface{}) error {
		t.drainControls()
		return handler(param)
	}
}

func (t *connectionTransportImpl) drainControls() {
	for {
		t.controlLock.Lock()
		if len(t.controls) == 0 {
			t.controlLock.Unlock()
			return
		}
		req := t.controls[0]
		t.controls = t.controls[1:]
		t.controlLock.Unlock()

		switch r := req.(type) {
		case connectRequest:
			t.processConnect(r)
		case disconnectRequest:
			t.beginDisconnect()
		}
	}
}

// submit queue an event from a helper goroutine
func (t *connectionTransportImpl) submit(event interface{}) error {
	if err := t.tp.Submit(t.operationContext, event); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debugf("Dropped %s", reflect.TypeOf(event))
		return err
	}
	return nil
}

func (t *connectionTransportImpl) handlerSnapshot() handlerSet {
	t.handlerLock.Lock()
	defer t.handlerLock.Unlock()
	return handlerSet{
		open:    append([]OpenHandler{}, t.handlers.open...),
		message: append([]MessageHandler{}, t.handlers.message...),
		err:     append([]ErrorHandler{}, t.handlers.err...),
		close:   append([]CloseHandler{}, t.handlers.close...),
	}
}

// dialHeader the extra handshake headers. Browsers send their credential as a cookie.
func (t *connectionTransportImpl) dialHeader() (http.Header, []string) {
	hs := t.config.Handshake
	header := http.Header{}
	if hs.IsBrowser() {
		if hs.Token != "" {
			cookie := http.Cookie{Name: t.config.BrowserCookie, Value: hs.Token}
			header.Add("Cookie", cookie.String())
		}
		return header, models.Handshake{Protocol: hs.Protocol, Platform: hs.Platform}.Subprotocols()
	}
	return header, hs.Subprotocols()
}

// readLoop forward inbound messages of one session into the event loop
func (t *connectionTransportImpl) readLoop(session uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = t.submit(readerExited{session: session, err: err})
			return
		}
		if t.submit(inboundMessage{session: session, data: data}) != nil {
			return
		}
	}
}

// teardown end the session: stop timers, reset handlers, then run close handlers
func (t *connectionTransportImpl) teardown() {
	_ = t.pingTimer.Stop()
	_ = t.pongTimer.Stop()
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	t.setState(StateClosed, nil)

	t.handlerLock.Lock()
	closeHandlers := t.handlers.close
	t.handlers = handlerSet{}
	t.handlerLock.Unlock()

	for _, handler := range closeHandlers {
		handler()
	}
}

// fail report a transport error, then force a disconnect
func (t *connectionTransportImpl) fail(err error) {
	for _, handler := range t.handlerSnapshot().err {
		handler(err)
	}
	t.beginDisconnect()
}

// beginDisconnect request the close of the current connection
func (t *connectionTransportImpl) beginDisconnect() {
	t.lock.RLock()
	state, conn := t.state, t.conn
	t.lock.RUnlock()

	switch state {
	case StateOpen:
		_ = t.pingTimer.Stop()
		_ = t.pongTimer.Stop()
		t.setState(StateClosing, conn)
		t.writeLock.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.config.WriteTimeout),
		)
		t.writeLock.Unlock()
		// The reader exits on close, and its exit runs the teardown
		_ = conn.Close()

	case StateConnecting:
		// Teardown runs once the dial attempt reports back
		t.setState(StateClosing, nil)
		if t.dialCancel != nil {
			t.dialCancel()
		}

	case StateClosing:

	default:
		t.teardown()
	}
}

// ========================================================================================
// Event processing

func (t *connectionTransportImpl) processConnect(req connectRequest) {
	if state := t.State(); state != StateClosed {
		log.WithFields(t.LogTags).Warnf("Ignoring connect to %s while %s", req.endpoint, state)
		return
	}

	t.session++
	session := t.session
	t.setState(StateConnecting, nil)
	dialCtxt, cancel := context.WithCancel(t.operationContext)
	t.dialCancel = cancel

	header, protocols := t.dialHeader()
	dialer := t.dialer
	dialer.Subprotocols = protocols
	// The session context owns the socket, so cancelling it aborts a stalled handshake
	dialer.NetDialContext = func(ctxt context.Context, network, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctxt, network, addr)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(dialCtxt, func() {
			_ = conn.Close()
		})
		return conn, nil
	}
	log.WithFields(t.LogTags).Infof("Connecting to %s", req.endpoint)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		conn, resp, err := dialer.DialContext(dialCtxt, req.endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil && resp != nil {
			err = fmt.Errorf("%w: HTTP %d", err, resp.StatusCode)
		}
		if t.submit(dialResult{session: session, conn: conn, err: err}) != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (t *connectionTransportImpl) processDialResult(param interface{}) error {
	result, ok := param.(dialResult)
	if !ok {
		return fmt.Errorf("unexpected event %s", reflect.TypeOf(param))
	}
	if result.session != t.session {
		if result.conn != nil {
			_ = result.conn.Close()
		}
		return nil
	}

	switch t.State() {
	case StateClosing:
		// Disconnect requested while dialing
		if result.conn != nil {
			_ = result.conn.Close()
		}
		t.teardown()
		return nil

	case StateConnecting:
		if result.err != nil {
			log.WithError(result.err).WithFields(t.LogTags).Warn("Connect failed")
			for _, handler := range t.handlerSnapshot().err {
				handler(result.err)
			}
			t.teardown()
			return nil
		}

	default:
		if result.conn != nil {
			_ = result.conn.Close()
		}
		return nil
	}

	t.setState(StateOpen, result.conn)
	log.WithFields(t.LogTags).Info("Connection open")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(result.session, result.conn)
	}()
	session := result.session
	if err := t.pingTimer.Start(t.config.PingInterval, func() error {
		return t.submit(pingTick{session: session})
	}, false); err != nil {
		t.fail(err)
		return nil
	}
	for _, handler := range t.handlerSnapshot().open {
		handler()
	}
	return nil
}

func (t *connectionTransportImpl) processInbound(param interface{}) error {
	inbound, ok := param.(inboundMessage)
	if !ok {
		return fmt.Errorf("unexpected event %s", reflect.TypeOf(param))
	}
	if inbound.session != t.session || t.State() != StateOpen {
		return nil
	}
	var msg models.WireMessage
	if err := json.Unmarshal(inbound.data, &msg); err != nil {
		log.WithError(err).WithFields(t.LogTags).Warn("Dropping unparsable message")
		return nil
	}
	switch {
	case msg.IsPong():
		t.heartbeat++
		return t.pongTimer.Stop()
	case msg.IsPing():
		t.lock.RLock()
		conn := t.conn
		t.lock.RUnlock()
		if err := t.write(conn, models.WireMessage{Entity: models.EntityPong}); err != nil {
			t.fail(err)
		}
		return nil
	}
	for _, handler := range t.handlerSnapshot().message {
		handler(msg)
	}
	return nil
}

func (t *connectionTransportImpl) processReaderExited(param interface{}) error {
	exited, ok := param.(readerExited)
	if !ok {
		return fmt.Errorf("unexpected event %s", reflect.TypeOf(param))
	}
	if exited.session != t.session {
		return nil
	}
	switch t.State() {
	case StateClosing:
		t.teardown()
	case StateOpen:
		if websocket.IsCloseError(exited.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.WithFields(t.LogTags).Info("Connection closed by peer")
		} else {
			log.WithError(exited.err).WithFields(t.LogTags).Warn("Connection lost")
			for _, handler := range t.handlerSnapshot().err {
				handler(exited.err)
			}
		}
		t.lock.RLock()
		conn := t.conn
		t.lock.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
		t.teardown()
	}
	return nil
}

func (t *connectionTransportImpl) processPingTick(param interface{}) error {
	tick, ok := param.(pingTick)
	if !ok {
		return fmt.Errorf("unexpected event %s", reflect.TypeOf(param))
	}
	if tick.session != t.session || t.State() != StateOpen {
		return nil
	}
	t.lock.RLock()
	conn := t.conn
	t.lock.RUnlock()
	if err := t.write(conn, models.WireMessage{Entity: models.EntityPing}); err != nil {
		log.WithError(err).WithFields(t.LogTags).Warn("Ping failed")
		t.fail(err)
		return nil
	}
	if t.pongTimer.Active() {
		return nil
	}
	expected := pongTimeout{session: tick.session, heartbeat: t.heartbeat}
	return t.pongTimer.Start(t.config.PongTimeout, func() error {
		return t.submit(expected)
	}, true)
}

func (t *connectionTransportImpl) processPongTimeout(param interface{}) error {
	timeout, ok := param.(pongTimeout)
	if !ok {
		return fmt.Errorf("unexpected event %s", reflect.TypeOf(param))
	}
	if timeout.session != t.session || t.State() != StateOpen {
		return nil
	}
	if timeout.heartbeat != t.heartbeat {
		log.WithFields(t.LogTags).Debug("Ignoring pong timeout armed before the last pong")
		return nil
	}
	log.WithFields(t.LogTags).Warnf("Connection lost: no pong within %s", t.config.PongTimeout)
	t.fail(ErrHeartbeatTimeout)
	return nil
}
