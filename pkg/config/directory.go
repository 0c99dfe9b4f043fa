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
	"net/url"

	"github.com/spf13/pflag"

	"github.com/closednet/closednet/pkg/directory"
)

// DirectoryOptions configure the gist directory client.
type DirectoryOptions struct {
	// BaseURL is the API endpoint.
	BaseURL string `yaml:"baseURL,omitempty" json:"baseURL,omitempty" toml:"baseURL,omitempty"`
	// Token is the API token. It is read from the environment when unset.
	Token string `yaml:"token,omitempty" json:"token,omitempty" toml:"token,omitempty"`
	// RecordID is the ID of this member's record, kept so restarts update
	// in place.
	RecordID string `yaml:"recordID,omitempty" json:"recordID,omitempty" toml:"recordID,omitempty"`
	// Public creates records as public gists.
	Public bool `yaml:"public" json:"public" toml:"public"`
	// ListPublic lists the public gist feed instead of the token's gists.
	ListPublic bool `yaml:"listPublic" json:"listPublic" toml:"listPublic"`
	// Filename is the file holding the announcement.
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty" toml:"filename,omitempty"`
	// PerPage is the page size when listing.
	PerPage int `yaml:"perPage,omitempty" json:"perPage,omitempty" toml:"perPage,omitempty"`
	// RequestsPerSecond limits the request rate.
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty" json:"requestsPerSecond,omitempty" toml:"requestsPerSecond,omitempty"`
	// Timeout is the per request timeout.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" toml:"timeout,omitempty"`
	// MaxRetries is how many times a failed request is retried.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" toml:"maxRetries,omitempty"`
}

// NewDirectoryOptions returns directory options with sensible defaults.
func NewDirectoryOptions() DirectoryOptions {
	return DirectoryOptions{
		BaseURL:           directory.DefaultBaseURL,
		Public:            true,
		Filename:          directory.DefaultFilename,
		PerPage:           directory.DefaultPerPage,
		RequestsPerSecond: directory.DefaultRequestsPerSecond,
		Timeout:           NewDuration(directory.DefaultTimeout),
		MaxRetries:        directory.DefaultMaxRetries,
	}
}

// BindFlags binds the flags.
func (o *DirectoryOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.BaseURL, prefix+"directory.base-url", o.BaseURL, "The directory API endpoint.")
	fs.StringVar(&o.Token, prefix+"directory.token", o.Token, "The directory API token. Defaults to $"+TokenEnvVar+" or $"+GitHubTokenEnvVar+".")
	fs.BoolVar(&o.Public, prefix+"directory.public", o.Public, "Create records as public gists.")
	fs.BoolVar(&o.ListPublic, prefix+"directory.list-public", o.ListPublic, "List the public gist feed instead of the gists visible to the token.")
	fs.StringVar(&o.Filename, prefix+"directory.filename", o.Filename, "The file name holding the announcement.")
	fs.IntVar(&o.PerPage, prefix+"directory.per-page", o.PerPage, "Page size when listing records.")
	fs.Float64Var(&o.RequestsPerSecond, prefix+"directory.requests-per-second", o.RequestsPerSecond, "Maximum directory requests per second.")
	fs.DurationVar(&o.Timeout.Duration, prefix+"directory.timeout", o.Timeout.Duration, "Per request timeout.")
	fs.IntVar(&o.MaxRetries, prefix+"directory.max-retries", o.MaxRetries, "Retries for a failed request.")
}

// ResolvedToken returns the configured token or the one from the
// environment.
func (o *DirectoryOptions) ResolvedToken() string {
	if o.Token != "" {
		return o.Token
	}
	return GetEnvDefault("", TokenEnvVar, GitHubTokenEnvVar)
}

// Validate validates the options. The token is not required so that
// offline commands work without one.
func (o *DirectoryOptions) Validate() error {
	if o.BaseURL != "" {
		u, err := url.Parse(o.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("directory.base-url %q is not a valid URL", o.BaseURL)
		}
	}
	if o.PerPage < 0 || o.PerPage > 100 {
		return fmt.Errorf("directory.per-page must be between 0 and 100")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("directory.max-retries must not be negative")
	}
	if o.Timeout.Duration < 0 {
		return fmt.Errorf("directory.timeout must not be negative")
	}
	return nil
}

// GistOptions returns the client options for publishing as owner.
func (o *DirectoryOptions) GistOptions(owner string) directory.GistOptions {
	opts := directory.NewGistOptions()
	if o.BaseURL != "" {
		opts.BaseURL = o.BaseURL
	}
	opts.Token = o.ResolvedToken()
	opts.Owner = owner
	opts.RecordID = o.RecordID
	opts.Public = o.Public
	opts.ListPublic = o.ListPublic
	if o.Filename != "" {
		opts.Filename = o.Filename
	}
	if o.PerPage > 0 {
		opts.PerPage = o.PerPage
	}
	opts.RequestsPerSecond = o.RequestsPerSecond
	if o.Timeout.Duration > 0 {
		opts.Timeout = o.Timeout.Duration
	}
	opts.MaxRetries = o.MaxRetries
	return opts
}
