/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import "sync"

// AtomicError injects failures into fakes. Set an error and an optional call
// budget; Get consumes one call per invocation and returns nil once spent.
type AtomicError struct {
	mu  sync.Mutex
	err error

	calls    int
	maxCalls int
}

// Set arms the error for maxCalls invocations (default 1)
func (e *AtomicError) Set(err error, maxCalls ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	e.calls = 0
	e.maxCalls = 1
	if len(maxCalls) > 0 {
		e.maxCalls = maxCalls[0]
	}
}

// Get returns the armed error, or nil if unarmed or spent
func (e *AtomicError) Get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil || e.calls >= e.maxCalls {
		return nil
	}
	e.calls++
	return e.err
}

func (e *AtomicError) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
	e.calls = 0
	e.maxCalls = 0
}
