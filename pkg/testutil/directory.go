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

// Package testutil contains in-memory fakes of the directory and wireguard
// collaborators for use in tests.
package testutil

import (
	"sync"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/directory"
)

// Directory wraps a directory and lets tests queue failures. Each queued
// error is returned by exactly one call.
type Directory struct {
	directory.Directory

	mu          sync.Mutex
	listErrs    []error
	publishErrs []error
	fetchErrs   []error
	lists       int
	publishes   int
}

// NewDirectory wraps inner.
func NewDirectory(inner directory.Directory) *Directory {
	return &Directory{Directory: inner}
}

// FailList queues errors for the next List calls.
func (d *Directory) FailList(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErrs = append(d.listErrs, errs...)
}

// FailPublish queues errors for the next Publish calls.
func (d *Directory) FailPublish(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishErrs = append(d.publishErrs, errs...)
}

// FailFetch queues errors for the next Fetch calls.
func (d *Directory) FailFetch(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchErrs = append(d.fetchErrs, errs...)
}

// ListCalls returns the number of List calls made.
func (d *Directory) ListCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists
}

// PublishCalls returns the number of Publish calls made.
func (d *Directory) PublishCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.publishes
}

// Publish implements directory.Directory.
func (d *Directory) Publish(ctx context.Context, tag, content string) (string, error) {
	d.mu.Lock()
	d.publishes++
	err := pop(&d.publishErrs)
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return d.Directory.Publish(ctx, tag, content)
}

// List implements directory.Directory.
func (d *Directory) List(ctx context.Context, tag string) ([]directory.Record, error) {
	d.mu.Lock()
	d.lists++
	err := pop(&d.listErrs)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Directory.List(ctx, tag)
}

// Fetch implements directory.Directory.
func (d *Directory) Fetch(ctx context.Context, rec directory.Record) (string, error) {
	d.mu.Lock()
	err := pop(&d.fetchErrs)
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return d.Directory.Fetch(ctx, rec)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
