// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultFilePrefix = "dbvisitor.bridge"
	defaultFileSizeKb = int64(1024)
	defaultFileCount  = 100
	traceFileExt      = ".jsonl"
)

type fileConfig struct {
	dir    string
	prefix string
	sizeKb int64
	count  int
}

// FileOption configures a RotatingFile.
type FileOption func(*fileConfig)

// WithDir sets the folder holding the trace files, by default
// <user config dir>/.bridge/traces.
func WithDir(dir string) FileOption {
	return func(c *fileConfig) { c.dir = dir }
}

// WithPrefix sets the file name prefix.
func WithPrefix(prefix string) FileOption {
	return func(c *fileConfig) { c.prefix = prefix }
}

// WithMaxSizeKb sets the size after which a new file is started.
func WithMaxSizeKb(kb int64) FileOption {
	return func(c *fileConfig) { c.sizeKb = kb }
}

// WithMaxFiles sets how many files are kept.
func WithMaxFiles(n int) FileOption {
	return func(c *fileConfig) { c.count = n }
}

// RotatingFile writes into "<prefix>-<UTC time>.jsonl" files in one
// folder. A file is closed once it reaches the size limit; the oldest
// files are removed once there are more than the file limit.
type RotatingFile struct {
	cfg fileConfig

	mu      sync.Mutex
	current *os.File
}

// NewRotatingFile creates the folder if needed and checks that it is
// writable. Files are not created before the first write.
func NewRotatingFile(opts ...FileOption) (*RotatingFile, error) {
	cfg := fileConfig{prefix: defaultFilePrefix, sizeKb: defaultFileSizeKb, count: defaultFileCount}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.prefix) == "" {
		cfg.prefix = defaultFilePrefix
	}
	if cfg.sizeKb <= 0 {
		cfg.sizeKb = defaultFileSizeKb
	}
	if cfg.count <= 0 {
		cfg.count = defaultFileCount
	}
	if strings.TrimSpace(cfg.dir) == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		cfg.dir = filepath.Join(configDir, ".bridge", "traces")
	}

	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, err
	}
	probe, err := os.CreateTemp(cfg.dir, cfg.prefix)
	if err != nil {
		return nil, err
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &RotatingFile{cfg: cfg}, nil
}

// Dir returns the folder holding the trace files.
func (f *RotatingFile) Dir() string { return f.cfg.dir }

// Files lists the trace files from oldest to newest.
func (f *RotatingFile) Files() ([]string, error) {
	// names embed a sortable timestamp and Glob returns them sorted
	return filepath.Glob(filepath.Join(f.cfg.dir, f.cfg.prefix+"-*"+traceFileExt))
}

func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rotateLocked(); err != nil {
		return 0, err
	}
	if f.current == nil {
		if err := f.openLocked(); err != nil {
			return 0, err
		}
	}
	return f.current.Write(p)
}

func (f *RotatingFile) rotateLocked() error {
	if f.current == nil {
		return nil
	}
	info, err := f.current.Stat()
	if err != nil {
		return err
	}
	if info.Size() < f.cfg.sizeKb*1024 {
		return nil
	}
	err = f.current.Close()
	f.current = nil
	if err != nil {
		return err
	}
	return f.pruneLocked()
}

// openLocked appends to the newest file when it still has room and starts
// a new one otherwise.
func (f *RotatingFile) openLocked() error {
	files, err := f.Files()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		last := files[len(files)-1]
		if info, err := os.Stat(last); err == nil && info.Size() < f.cfg.sizeKb*1024 {
			if file, err := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0o666); err == nil {
				f.current = file
				return nil
			}
		}
	}

	name := f.cfg.prefix + "-" + time.Now().UTC().Format("2006-01-02-15-04-05.000000000") + traceFileExt
	file, err := os.OpenFile(filepath.Join(f.cfg.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	f.current = file
	return nil
}

func (f *RotatingFile) pruneLocked() error {
	files, err := f.Files()
	if err != nil {
		return err
	}
	for len(files) > f.cfg.count {
		if err := os.Remove(files[0]); err != nil {
			return err
		}
		files = files[1:]
	}
	return nil
}

// Close closes the current file. Writing afterwards opens a file again.
func (f *RotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	return err
}
