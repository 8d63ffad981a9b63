/*
Copyright 2023 The Localtrack Authors

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

// Package catalog maintains the set of runnable models, rebuilt on demand
// from the object-store listing.
package catalog

import (
	"context"
	"path"
	"sync"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// Lister is the object-store operation the catalog needs.
type Lister interface {
	ListBySuffix(ctx context.Context, bucket, prefix string, suffixes []string) ([]string, error)
}

// Catalog maps model display names (object basename) to their s3 URIs.
// Order is stable: the listing order of the store, which sorts keys.
type Catalog struct {
	lister Lister
	bucket string
	prefix string

	mu    sync.RWMutex
	names []string
	uris  map[string]string
}

// New returns an empty catalog over bucket/prefix. Call Refresh before use.
func New(lister Lister, bucket, prefix string) *Catalog {
	return &Catalog{
		lister: lister,
		bucket: bucket,
		prefix: prefix,
		uris:   map[string]string{},
	}
}

// Refresh rebuilds the catalog from the store listing.
func (c *Catalog) Refresh(ctx context.Context) error {
	uris, err := c.lister.ListBySuffix(ctx, c.bucket, c.prefix, constants.ModelSuffixes)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(uris))
	byName := make(map[string]string, len(uris))
	for _, uri := range uris {
		name := path.Base(uri)
		if _, ok := byName[name]; ok {
			continue
		}
		byName[name] = uri
		names = append(names, name)
	}

	c.mu.Lock()
	c.names = names
	c.uris = byName
	c.mu.Unlock()

	log.Entry(ctx).Debugf("model catalog holds %d models", len(names))
	return nil
}

// Names returns the model display names in stable order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Resolve returns the s3 URI for a display name.
func (c *Catalog) Resolve(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uri, ok := c.uris[name]
	return uri, ok
}

// Empty reports whether the catalog holds no models.
func (c *Catalog) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names) == 0
}
