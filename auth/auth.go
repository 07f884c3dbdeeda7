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

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
)

// ErrUnauthorized the handshake carries no acceptable credential
var ErrUnauthorized = errors.New("unauthorized")

// Identity the authenticated identity of a connection
type Identity struct {
	// UserID is the authenticated user. Empty for anonymous connections.
	UserID string
	// Anonymous whether the connection carries no credential
	Anonymous bool
}

// Authenticator verifies connection handshakes
type Authenticator interface {
	// Authenticate verify the handshake of a connection request
	Authenticate(handshake models.Handshake, r *http.Request) (Identity, error)
}

// staticTokenAuthenticator implements Authenticator against a fixed token table
type staticTokenAuthenticator struct {
	common.Component
	config common.AuthConfig
}

// GetStaticTokenAuthenticator define an Authenticator accepting the tokens listed in config
func GetStaticTokenAuthenticator(config common.AuthConfig) Authenticator {
	logTags := log.Fields{"module": "auth", "component": "static-token"}
	return &staticTokenAuthenticator{
		Component: common.Component{LogTags: logTags},
		config:    config,
	}
}

// lookup find the user of a credential
func (a *staticTokenAuthenticator) lookup(token string) (string, bool) {
	for _, entry := range a.config.Tokens {
		if subtle.ConstantTimeCompare([]byte(entry.Token), []byte(token)) == 1 {
			return entry.UserID, true
		}
	}
	return "", false
}

// Authenticate verify the handshake of a connection request
func (a *staticTokenAuthenticator) Authenticate(
	handshake models.Handshake, r *http.Request,
) (Identity, error) {
	if handshake.IsBrowser() {
		cookie, err := r.Cookie(a.config.BrowserCookie)
		if err != nil || cookie.Value == "" {
			if a.config.AllowAnonymous {
				return Identity{Anonymous: true}, nil
			}
			return Identity{}, fmt.Errorf("browser session cookie missing: %w", ErrUnauthorized)
		}
		userID, ok := a.lookup(cookie.Value)
		if !ok {
			return Identity{}, fmt.Errorf("unknown browser session: %w", ErrUnauthorized)
		}
		return Identity{UserID: userID}, nil
	}

	if handshake.Token == "" {
		return Identity{}, fmt.Errorf(
			"platform %s requires a credential: %w", handshake.Platform, ErrUnauthorized,
		)
	}
	if !strings.EqualFold(handshake.Scheme, a.config.Scheme) {
		return Identity{}, fmt.Errorf(
			"unsupported auth scheme '%s': %w", handshake.Scheme, ErrUnauthorized,
		)
	}
	userID, ok := a.lookup(handshake.Token)
	if !ok {
		return Identity{}, fmt.Errorf("unknown credential: %w", ErrUnauthorized)
	}
	return Identity{UserID: userID}, nil
}
