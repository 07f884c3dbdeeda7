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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestStaticTokenAuthenticator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := common.AuthConfig{
		Scheme:        "Bearer",
		Tokens:        []common.AuthToken{{Token: "secret-1", UserID: "alice"}},
		BrowserCookie: "jobwatch_session",
	}
	uut := GetStaticTokenAuthenticator(config)
	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)

	// Case 0: non-browser client with a valid credential
	{
		id, err := uut.Authenticate(models.Handshake{
			Protocol: "jobwatch", Platform: "cli", Scheme: "bearer", Token: "secret-1",
		}, req)
		assert.Nil(err)
		assert.Equal("alice", id.UserID)
		assert.False(id.Anonymous)
	}

	// Case 1: non-browser client without or with a bad credential
	{
		_, err := uut.Authenticate(models.Handshake{Protocol: "jobwatch", Platform: "cli"}, req)
		assert.True(errors.Is(err, ErrUnauthorized))
		_, err = uut.Authenticate(models.Handshake{
			Protocol: "jobwatch", Platform: "cli", Scheme: "Bearer", Token: "secret-2",
		}, req)
		assert.True(errors.Is(err, ErrUnauthorized))
		_, err = uut.Authenticate(models.Handshake{
			Protocol: "jobwatch", Platform: "cli", Scheme: "Basic", Token: "secret-1",
		}, req)
		assert.True(errors.Is(err, ErrUnauthorized))
	}

	// Case 2: browser client with session cookie
	{
		browserReq := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		browserReq.AddCookie(&http.Cookie{Name: "jobwatch_session", Value: "secret-1"})
		id, err := uut.Authenticate(
			models.Handshake{Protocol: "jobwatch", Platform: models.PlatformBrowser}, browserReq,
		)
		assert.Nil(err)
		assert.Equal("alice", id.UserID)
	}

	// Case 3: browser client without cookie
	{
		_, err := uut.Authenticate(
			models.Handshake{Protocol: "jobwatch", Platform: models.PlatformBrowser}, req,
		)
		assert.True(errors.Is(err, ErrUnauthorized))

		config.AllowAnonymous = true
		anon := GetStaticTokenAuthenticator(config)
		id, err := anon.Authenticate(
			models.Handshake{Protocol: "jobwatch", Platform: models.PlatformBrowser}, req,
		)
		assert.Nil(err)
		assert.True(id.Anonymous)
		assert.Equal("", id.UserID)
	}
}

func TestHandshakeParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: browser
	{
		hs := models.Handshake{Protocol: "jobwatch", Platform: models.PlatformBrowser}
		assert.Equal([]string{"jobwatch", "browser"}, hs.Subprotocols())
		parsed, err := models.ParseHandshake(hs.Subprotocols())
		assert.Nil(err)
		assert.Equal(hs, parsed)
		assert.True(parsed.IsBrowser())
	}

	// Case 1: with credential
	{
		hs := models.Handshake{Protocol: "jobwatch", Platform: "cli", Scheme: "Bearer", Token: "t"}
		parsed, err := models.ParseHandshake(hs.Subprotocols())
		assert.Nil(err)
		assert.Equal(hs, parsed)
	}

	// Case 2: malformed
	{
		_, err := models.ParseHandshake([]string{"jobwatch"})
		assert.NotNil(err)
		_, err = models.ParseHandshake([]string{"jobwatch", "cli", "Bearer"})
		assert.NotNil(err)
	}
}
