/*
Copyright 2025.

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

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// LocalStore serves report objects from a directory. It backs the "-local"
// provider types and OCP operator uploads. Keys are slash-separated paths
// relative to the directory and can never escape it.
type LocalStore struct {
	dir string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at root joined with the given path
// elements. The elements come from tenant data, so they are joined with
// securejoin rather than filepath.Join.
func NewLocalStore(root string, elems ...string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local root is required")
	}
	dir, err := securejoin.SecureJoin(root, filepath.Join(elems...))
	if err != nil {
		return nil, fmt.Errorf("resolve local path: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir returns the resolved directory.
func (l *LocalStore) Dir() string {
	return l.dir
}

// Ping implements Store by checking that the directory exists.
func (l *LocalStore) Ping(_ context.Context) error {
	info, err := os.Stat(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("local directory %s: %w", l.dir, ErrObjectNotFound)
		}
		return fmt.Errorf("local stat: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local path %s is not a directory", l.dir)
	}
	return nil
}

// List implements Store. Objects are returned in key order.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("local list: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Get implements Store.
func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := securejoin.SecureJoin(l.dir, filepath.FromSlash(key))
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("local read: %w", err)
	}
	return data, nil
}

// Close implements Store.
func (l *LocalStore) Close() error {
	return nil
}
