// Copyright 2022 The cruisecast Authors
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
	"os"
	"strings"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext return the component log tags extended with the request
// parameters found in the context, if any
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt != nil {
		if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
			v.UpdateLogTags(result)
		}
	}
	return result
}

// UpdateLogTags copy the log tags and attach the request parameters stored in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for k, v := range original {
		newLogTags[k] = v
	}
	if ctxt == nil {
		return newLogTags, fmt.Errorf("no context provided")
	}
	if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags, nil
}

// ValidateSubscriberKey check a subscriber key or resource ID is usable
func ValidateSubscriberKey(key string) error {
	if len(strings.TrimSpace(key)) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("%w: key contains line breaks", ErrInvalidKey)
	}
	return nil
}

// GetUnitTestNatsURI the NATS server used by unit tests, from NATS_HOST. Returns false
// when no server is configured.
func GetUnitTestNatsURI() (string, bool) {
	host, ok := os.LookupEnv("NATS_HOST")
	if !ok || len(strings.TrimSpace(host)) == 0 {
		return "", false
	}
	return fmt.Sprintf("nats://%s:4222", host), true
}
