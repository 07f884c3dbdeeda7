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

package registry

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type dummyHandle struct {
	sent [][]byte
}

func (h *dummyHandle) Send(msg []byte) error {
	h.sent = append(h.sent, msg)
	return nil
}

func TestConnectionRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetConnectionRegistry("testing")

	handle1 := &dummyHandle{}
	handle2 := &dummyHandle{}
	handle3 := &dummyHandle{}

	// Case 0: unknown connection
	{
		_, err := uut.Lookup("user-a", "conn-1")
		assert.True(errors.Is(err, ErrConnectionNotFound))
		assert.False(uut.Unregister("user-a", "conn-1"))
	}

	// Case 1: register
	assert.Nil(uut.Register("user-a", "conn-1", handle1))
	assert.Nil(uut.Register("user-a", "conn-2", handle2))
	assert.Nil(uut.Register("", "conn-3", handle3))
	assert.Equal(3, uut.ConnectionCount())
	assert.Equal(2, uut.UserCount())
	assert.Len(uut.Connections(), 3)
	{
		handle, err := uut.Lookup("user-a", "conn-2")
		assert.Nil(err)
		assert.Nil(handle.Send([]byte("hello")))
		assert.Len(handle2.sent, 1)
		assert.Empty(handle1.sent)
	}

	// Case 2: duplicate and invalid registrations
	{
		err := uut.Register("user-a", "conn-1", handle3)
		assert.True(errors.Is(err, ErrDuplicateConnection))
		assert.NotNil(uut.Register("user-a", "", handle3))
		assert.NotNil(uut.Register("user-a", "conn-9", nil))
	}

	// Case 3: the connection is owned by one user only
	{
		_, err := uut.Lookup("user-b", "conn-1")
		assert.True(errors.Is(err, ErrConnectionNotFound))
	}

	// Case 4: unregister
	assert.True(uut.Unregister("user-a", "conn-1"))
	assert.False(uut.Unregister("user-a", "conn-1"))
	assert.Equal(2, uut.ConnectionCount())
	assert.True(uut.Unregister("user-a", "conn-2"))
	assert.Equal(1, uut.UserCount())
	{
		_, err := uut.Lookup("", "conn-3")
		assert.Nil(err)
	}
}
