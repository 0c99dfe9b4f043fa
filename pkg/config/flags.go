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
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// FlagOverrides are flag values set explicitly on the command line. They are
// captured before a config file is decoded over the bound struct and applied
// again afterwards, so flags take precedence over the file.
type FlagOverrides map[string][]string

// CaptureFlags records every flag that was changed on fs.
func CaptureFlags(fs *pflag.FlagSet) FlagOverrides {
	out := make(FlagOverrides)
	fs.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			out[f.Name] = append([]string{}, sv.GetSlice()...)
			return
		}
		out[f.Name] = []string{f.Value.String()}
	})
	return out
}

// Apply sets the captured values back onto fs.
func (o FlagOverrides) Apply(fs *pflag.FlagSet) error {
	for name, vals := range o {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(vals); err != nil {
				return fmt.Errorf("apply flag --%s: %w", name, err)
			}
			continue
		}
		if len(vals) == 0 {
			continue
		}
		if err := f.Value.Set(vals[0]); err != nil {
			return fmt.Errorf("apply flag --%s: %w", name, err)
		}
	}
	return nil
}

// Names returns the names of the captured flags.
func (o FlagOverrides) Names() []string {
	out := make([]string, 0, len(o))
	for name := range o {
		out = append(out, name)
	}
	return out
}

// LoadInto decodes the store's file over c, which is bound to fs, then
// re-applies the flags changed on fs.
func (s *Store) LoadInto(c *Config, fs *pflag.FlagSet) error {
	overrides := CaptureFlags(fs)
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := c.Unmarshal(bytes.NewReader(data), FormatFor(s.path)); err != nil {
		return fmt.Errorf("load %s: %w", s.path, err)
	}
	return overrides.Apply(fs)
}
