/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

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

package config

import (
	"os"
)

const (
	// TokenEnvVar holds the directory API token.
	TokenEnvVar = "CLOSEDNET_DIRECTORY_TOKEN"
	// GitHubTokenEnvVar is consulted when TokenEnvVar is unset.
	GitHubTokenEnvVar = "GITHUB_TOKEN"
	// GroupSecretEnvVar holds the group secret.
	GroupSecretEnvVar = "CLOSEDNET_GROUP_SECRET"
	// ConfigEnvVar holds the path to the config file.
	ConfigEnvVar = "CLOSEDNET_CONFIG"
)

// GetEnvDefault returns the value of the first set environment variable in
// keys, or def.
func GetEnvDefault(def string, keys ...string) string {
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
	}
	return def
}
