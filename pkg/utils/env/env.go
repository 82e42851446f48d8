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

// Package env resolves environment-variable defaults for flag registration.
// An unset variable or a value that fails to parse falls back to the default.
package env

import (
	"os"
	"strconv"
	"time"
)

func withDefault[T any](key string, def T, parse func(string) (T, error)) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := parse(val)
	if err != nil {
		return def
	}
	return parsed
}

func WithDefaultString(key string, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func WithDefaultInt(key string, def int) int {
	return withDefault(key, def, strconv.Atoi)
}

func WithDefaultBool(key string, def bool) bool {
	return withDefault(key, def, strconv.ParseBool)
}

func WithDefaultDuration(key string, def time.Duration) time.Duration {
	return withDefault(key, def, time.ParseDuration)
}
