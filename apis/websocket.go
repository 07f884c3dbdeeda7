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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/jobwatch/auth"
	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// errConnectionClosed the connection is closing or closed
var errConnectionClosed = errors.New("connection closed")

// clientActions command actions clients may send over the connection
var clientActions = map[string]bool{
	models.ActionSubscribe:   true,
	models.ActionUnsubscribe: true,
	models.ActionUnregister:  true,
}

// wsConnection one live websocket connection, and its registry send handle
type wsConnection struct {
	common.Component
	conn         *websocket.Conn
	userID       string
	connectionID string
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

// Send queue one serialized message for the connection. Never blocks.
func (c *wsConnection) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return fmt.Errorf("send buffer of %s:%s full", c.userID, c.connectionID)
	}
}

// sendMessage serialize and queue one message
func (c *wsConnection) sendMessage(msg models.WireMessage) error {
	t, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return c.Send(t)
}

// close begin closing the connection
func (c *wsConnection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump the only goroutine writing to the websocket
func (c *wsConnection) writePump(ctxt context.Context) {
	defer func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctxt.Done():
			c.close()
			return
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Websocket write failed")
				c.close()
				return
			}
		}
	}
}

// ========================================================================================

// WebSocketHandler serves the websocket endpoint job updates are pushed through
type WebSocketHandler struct {
	goutils.RestAPIHandler
	config        common.WebSocketConfig
	eventBus      bus.EventBus
	authenticator auth.Authenticator
	upgrader      websocket.Upgrader
	runtimeCtxt   context.Context
	wg            *sync.WaitGroup
}

// GetWebSocketHandler define WebSocketHandler
func GetWebSocketHandler(
	runtimeCtxt context.Context,
	config common.WebSocketConfig,
	httpConfig *common.HTTPConfig,
	eventBus bus.EventBus,
	authenticator auth.Authenticator,
	wg *sync.WaitGroup,
) (*WebSocketHandler, error) {
	logTags := log.Fields{"module": "apis", "component": "websocket"}
	if config.SendBuffer < 1 {
		return nil, fmt.Errorf("websocket send buffer must be at least 1")
	}
	return &WebSocketHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		config:         config,
		eventBus:       eventBus,
		authenticator:  authenticator,
		upgrader: websocket.Upgrader{
			Subprotocols:     []string{config.Protocol},
			HandshakeTimeout: time.Second * time.Duration(config.WriteTimeout),
		},
		runtimeCtxt: runtimeCtxt,
		wg:          wg,
	}, nil
}

// Connect godoc
// @Summary Open a job update connection
// @Description Upgrade to a websocket over which job updates are pushed. The
// @Description Sec-WebSocket-Protocol header carries [protocol, platform, scheme?, token?].
// @tags Updates
// @Param Sec-WebSocket-Protocol header string true "Handshake sub-protocol tokens"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (h *WebSocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reject := func(code int, msg string, err error) {
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		if writeErr := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()), nil,
		); writeErr != nil {
			log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	handshake, err := models.ParseHandshake(websocket.Subprotocols(r))
	if err != nil {
		reject(http.StatusBadRequest, "Malformed handshake", err)
		return
	}
	if handshake.Protocol != h.config.Protocol {
		reject(
			http.StatusBadRequest,
			"Unsupported protocol",
			fmt.Errorf("protocol '%s' is not '%s'", handshake.Protocol, h.config.Protocol),
		)
		return
	}
	identity, err := h.authenticator.Authenticate(handshake, r)
	if err != nil {
		reject(http.StatusUnauthorized, "Handshake not authenticated", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	connLogTags := log.Fields{
		"module":        "apis",
		"component":     "websocket-connection",
		"user_id":       identity.UserID,
		"connection_id": connectionID,
		"platform":      handshake.Platform,
	}
	client := &wsConnection{
		Component:    common.Component{LogTags: connLogTags},
		conn:         conn,
		userID:       identity.UserID,
		connectionID: connectionID,
		send:         make(chan []byte, h.config.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: time.Second * time.Duration(h.config.WriteTimeout),
	}
	if err := h.eventBus.ConnectionRegistry().Register(
		identity.UserID, connectionID, client,
	); err != nil {
		log.WithError(err).WithFields(connLogTags).Error("Unable to register connection")
		_ = conn.Close()
		return
	}
	log.WithFields(connLogTags).Info("Connection opened")

	connCtxt := context.WithValue(h.runtimeCtxt, common.RequestParam{}, common.RequestParam{
		ID: connectionID, Method: r.Method, URI: r.URL.String(),
	})

	writerDone := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(writerDone)
		client.writePump(connCtxt)
	}()

	h.readPump(connCtxt, client)

	// Teardown
	client.close()
	<-writerDone
	h.eventBus.ConnectionRegistry().Unregister(identity.UserID, connectionID)
	if _, err := h.eventBus.HandleCommand(connCtxt, models.Command{
		Entity: models.EntityJob,
		Action: models.ActionUnregister,
		Context: models.CommandContext{
			UserID: identity.UserID, ConnectionID: connectionID,
		},
	}); err != nil {
		log.WithError(err).WithFields(connLogTags).Error("Failed to purge subscriptions")
	}
	log.WithFields(connLogTags).Info("Connection closed")
}

// ConnectHandler Wrapper around Connect
func (h *WebSocketHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// readPump read and process inbound messages until the connection fails or goes idle
func (h *WebSocketHandler) readPump(ctxt context.Context, client *wsConnection) {
	idleTimeout := time.Second * time.Duration(h.config.IdleTimeout)
	client.conn.SetReadLimit(h.config.MaxMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(client.LogTags).Warn("Connection lost")
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var msg models.WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).WithFields(client.LogTags).Debug("Unparsable message")
			_ = client.sendMessage(models.WireMessage{
				Entity: models.EntityError, Error: "unparsable message",
			})
			continue
		}

		switch {
		case msg.IsPing():
			if err := client.sendMessage(models.WireMessage{Entity: models.EntityPong}); err != nil {
				log.WithError(err).WithFields(client.LogTags).Debug("Unable to answer ping")
			}
		case msg.IsPong():
		default:
			err := h.processCommand(ctxt, client, msg)
			if sendErr := client.sendMessage(models.NewAckMessage(msg.Action, err)); sendErr != nil {
				log.WithError(sendErr).WithFields(client.LogTags).Debug("Unable to acknowledge command")
			}
		}
	}
}

// processCommand process one client command, bound to the connection's identity
func (h *WebSocketHandler) processCommand(
	ctxt context.Context, client *wsConnection, msg models.WireMessage,
) error {
	if !clientActions[msg.Action] {
		return fmt.Errorf("action '%s' not accepted from clients", msg.Action)
	}
	cmd := msg.ToCommand()
	cmd.Context.UserID = client.userID
	cmd.Context.ConnectionID = client.connectionID
	handled, err := h.eventBus.HandleCommand(ctxt, cmd)
	if err != nil {
		return err
	}
	if !handled {
		return fmt.Errorf("command %s.%s not supported", cmd.Entity, cmd.Action)
	}
	log.WithFields(client.LogTags).Debugf("Processed %s", cmd)
	return nil
}
