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
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/closednet/closednet/pkg/crypto"
)

// GroupOptions identify the group.
type GroupOptions struct {
	// Name is the group name. It is the tag records are published under.
	Name string `yaml:"name" json:"name" toml:"name"`
	// Secret is the shared group secret.
	Secret string `yaml:"secret" json:"secret" toml:"secret"`
}

// NewGroupOptions returns group options with the secret taken from the
// environment when set.
func NewGroupOptions() GroupOptions {
	return GroupOptions{
		Secret: GetEnvDefault("", GroupSecretEnvVar),
	}
}

// BindFlags binds the flags.
func (o *GroupOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, prefix+"group.name", o.Name, "The group name records are published under.")
	fs.StringVar(&o.Secret, prefix+"group.secret", o.Secret, "The shared group secret. Prefer the "+GroupSecretEnvVar+" environment variable.")
}

// Validate validates the options.
func (o *GroupOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("group.name must be set")
	}
	if strings.ContainsAny(o.Name, "[]") {
		return fmt.Errorf("group.name must not contain brackets")
	}
	if crypto.GroupSecret(o.Secret).IsEmpty() {
		return ErrNoGroupSecret
	}
	return nil
}
