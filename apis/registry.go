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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
)

// ReadinessCheck reports whether a dependency is ready for use
type ReadinessCheck func(ctxt context.Context) error

// APIRestRegistryHandler REST handler for inspecting the hub state
type APIRestRegistryHandler struct {
	goutils.RestAPIHandler
	eventBus bus.EventBus
	checks   []ReadinessCheck
}

// GetAPIRestRegistryHandler define APIRestRegistryHandler
func GetAPIRestRegistryHandler(
	eventBus bus.EventBus, httpConfig *common.HTTPConfig, checks ...ReadinessCheck,
) (APIRestRegistryHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "registry",
	}
	return APIRestRegistryHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		eventBus:       eventBus,
		checks:         checks,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespSubscriptions response for listing subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions the matching subscriptions
	Subscriptions []models.Subscription `json:"subscriptions"`
}

// GetSubscriptions godoc
// @Summary List subscriptions
// @Description List the active subscriptions, optionally filtered by entity type and action
// @tags Registry
// @Produce json
// @Param Jobwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param entity query string false "Entity type filter"
// @Param action query string false "Action filter"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Jobwatch-Request-ID "Request ID to match against logs"
// @Router /v1/subscriptions [get]
func (h APIRestRegistryHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	query := r.URL.Query()
	resp := APIRestRespSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriptions: h.eventBus.SubscriptionRegistry().List(
			query.Get("entity"), query.Get("action"),
		),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetSubscriptionsHandler Wrapper around GetSubscriptions
func (h APIRestRegistryHandler) GetSubscriptionsHandler() http.HandlerFunc {
	return withRequestLogging(h.RestAPIHandler, func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriptions(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespConnections response for summarizing live connections
type APIRestRespConnections struct {
	goutils.RestAPIBaseResponse
	// Connections number of live connections
	Connections int `json:"connections"`
	// Users number of users with at least one live connection
	Users int `json:"users"`
}

// GetConnections godoc
// @Summary Summarize live connections
// @Description Count the live connections and their users
// @tags Registry
// @Produce json
// @Param Jobwatch-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnections "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Jobwatch-Request-ID "Request ID to match against logs"
// @Router /v1/connections [get]
func (h APIRestRegistryHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	connections := h.eventBus.ConnectionRegistry()
	resp := APIRestRespConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Connections: connections.ConnectionCount(),
		Users:       connections.UserCount(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetConnectionsHandler Wrapper around GetConnections
func (h APIRestRegistryHandler) GetConnectionsHandler() http.HandlerFunc {
	return withRequestLogging(h.RestAPIHandler, func(w http.ResponseWriter, r *http.Request) {
		h.GetConnections(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the hub is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestRegistryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRegistryHandler) AliveHandler() http.HandlerFunc {
	return withRequestLogging(h.RestAPIHandler, func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the job queue and job store connections are ready
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRegistryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.checks {
		if err := check(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRegistryHandler) ReadyHandler() http.HandlerFunc {
	return withRequestLogging(h.RestAPIHandler, func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
