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

import "errors"

// ErrConnect the upstream stream could not be established
var ErrConnect = errors.New("upstream connect failed")

// ErrUpstreamStream the upstream stream failed after it was established
var ErrUpstreamStream = errors.New("upstream stream failed")

// ErrInvalidKey the subscriber key or resource ID is missing or malformed
var ErrInvalidKey = errors.New("invalid subscriber key")

// ErrNotSubscribed no subscription intent is recorded for the key
var ErrNotSubscribed = errors.New("subscriber not found")

// ErrSinkClosed the downstream sink no longer accepts frames
var ErrSinkClosed = errors.New("downstream sink closed")

// ErrInvalidFilter the subscriber promotion filter does not compile
var ErrInvalidFilter = errors.New("invalid promotion filter")
