// Copyright The devmem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package healthz aggregates health checks of components and serves the
// result over HTTP.
package healthz

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	logger "github.com/containers/devmem/pkg/log"
)

// Path is the HTTP path health is served at.
const Path = "/healthz"

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	// our logger instance
	log = logger.Get("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown health status %d>", s)
}

// Setup prepares the given HTTP request multiplexer for serving health.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc(Path, serve)
}

// Register registers a health checker for the named component.
func Register(name string, fn CheckFn) error {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		return fmt.Errorf("healthz: checker %q already registered", name)
	}

	checkers[name] = fn
	return nil
}

// Unregister removes the health checker of the named component.
func Unregister(name string) {
	lock.Lock()
	defer lock.Unlock()

	delete(checkers, name)
}

// Check runs all health checkers and returns the worst status found,
// together with the details of unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range slices.Sorted(maps.Keys(checkers)) {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		status = max(status, s)
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Warn("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	code := http.StatusOK
	body := "ok\n"
	if status == NonFunctional {
		code = http.StatusInternalServerError
	}
	if status != Healthy {
		var b strings.Builder
		for _, name := range slices.Sorted(maps.Keys(details)) {
			fmt.Fprintf(&b, "%s: %v\n", name, details[name])
		}
		body = b.String()
	}

	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error("failed to write response: %v", err)
	}
}
