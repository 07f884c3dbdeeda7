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

package models

import "fmt"

// PlatformBrowser the platform tag of browser clients. Browser clients carry
// their credential in a cookie instead of the handshake.
const PlatformBrowser = "browser"

// Handshake the sub-protocol tokens offered when opening a connection
type Handshake struct {
	// Protocol is the fixed protocol identifier
	Protocol string
	// Platform is the client platform tag
	Platform string
	// Scheme is the auth-scheme name, non-browser clients only
	Scheme string
	// Token is the credential, non-browser clients only
	Token string
}

// IsBrowser whether the client is a browser
func (h Handshake) IsBrowser() bool {
	return h.Platform == PlatformBrowser
}

// Subprotocols the ordered sub-protocol token list of the handshake
func (h Handshake) Subprotocols() []string {
	result := []string{h.Protocol, h.Platform}
	if h.Scheme != "" || h.Token != "" {
		result = append(result, h.Scheme, h.Token)
	}
	return result
}

// ParseHandshake parse the ordered sub-protocol token list offered by a client
func ParseHandshake(protocols []string) (Handshake, error) {
	switch len(protocols) {
	case 2:
		return Handshake{Protocol: protocols[0], Platform: protocols[1]}, nil
	case 4:
		return Handshake{
			Protocol: protocols[0],
			Platform: protocols[1],
			Scheme:   protocols[2],
			Token:    protocols[3],
		}, nil
	default:
		return Handshake{}, fmt.Errorf(
			"expected [protocol, platform, scheme?, token?], got %d tokens", len(protocols),
		)
	}
}
