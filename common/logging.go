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
	"os"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
)

// ConfigureLogging select the process log handler and level
func ConfigureLogging(jsonLog bool, level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	log.SetLevel(parsed)
	return nil
}
