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

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 0: no handlers
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	// Case 1: add handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}), func(p interface{}) error { return fmt.Errorf("dummy") },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 2: invalid buffer size
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
		assert.NotNil(err)
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 1)
	assert.Nil(err)

	type testTask struct{ idx int }

	processed := make(chan int, 10)
	release := make(chan bool)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testTask{}), func(p interface{}) error {
			task := p.(testTask)
			if task.idx == 0 {
				<-release
			}
			processed <- task.idx
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: the loop is blocked on task 0, so task 1 fills the buffer
	assert.Nil(uut.Submit(ctxt, testTask{idx: 0}))
	time.Sleep(time.Millisecond * 50)
	assert.Nil(uut.Submit(ctxt, testTask{idx: 1}))

	// Case 1: buffer full, submission waits until the call context expires
	{
		lclCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		assert.NotNil(uut.Submit(lclCtxt, testTask{idx: 2}))
		lclCancel()
	}

	// Case 2: buffer full, offer returns at once without queueing
	{
		queued, err := uut.Offer(testTask{idx: 2})
		assert.Nil(err)
		assert.False(queued)
	}

	// Case 3: unblock, tasks processed in order
	release <- true
	for _, expected := range []int{0, 1} {
		select {
		case idx := <-processed:
			assert.Equal(expected, idx)
		case <-time.After(time.Second):
			assert.Fail("task not processed")
		}
	}

	// Case 4: room again, offer queues
	{
		queued, err := uut.Offer(testTask{idx: 4})
		assert.Nil(err)
		assert.True(queued)
		select {
		case idx := <-processed:
			assert.Equal(4, idx)
		case <-time.After(time.Second):
			assert.Fail("offered task not processed")
		}
	}

	// Case 5: submission after stop fails
	assert.Nil(uut.StopEventLoop())
	time.Sleep(time.Millisecond * 20)
	{
		_, err := uut.Offer(testTask{idx: 5})
		assert.NotNil(err)
	}
	{
		lclCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		defer lclCancel()
		assert.NotNil(uut.Submit(lclCtxt, testTask{idx: 3}))
	}
}
