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

package log

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/log"
	"github.com/containers/devmem/pkg/log/klogcontrol"
	"github.com/containers/devmem/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// DebugEnvVar seeds debug settings, for instance 'allocator,buffer'
	// or 'on:*,off:metrics'.
	DebugEnvVar = "DEVMEM_LOG_DEBUG"
	// SourceEnvVar turns on source prefixing if set to a non-empty value.
	SourceEnvVar = "DEVMEM_LOG_SOURCE"
)

// srcmap is the debug state of logger sources. The source "*" sets the
// state of all sources without an explicit entry.
type srcmap map[string]bool

// parse updates the map from a specification of the form
// '[on:|off:]src1,src2,...[,on:|off:srcN,...]'. A state applies to all
// following sources until the next state. The source 'all' is an alias
// for '*'.
func (m srcmap) parse(setting string) error {
	enabled := true
	for _, entry := range strings.Split(setting, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if state, src, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(src, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			on, err := utils.ParseEnabled(strings.TrimSpace(state))
			if err != nil {
				return loggerError("invalid debug state in %q: %w", entry, err)
			}
			enabled, entry = on, strings.TrimSpace(src)
		}

		if entry == "all" {
			entry = "*"
		}
		if entry != "" {
			m[entry] = enabled
		}
	}

	return nil
}

// String returns the map in the format accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for _, src := range slices.Sorted(maps.Keys(m)) {
		if m[src] {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	dbgmap := srcmap{}
	for _, setting := range cfg.Debug {
		if err := dbgmap.parse(setting); err != nil {
			return fmt.Errorf("failed to parse debug setting %q: %w", setting, err)
		}
	}

	// klog headers carry no source, so prefix messages with it instead
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(dbgmap)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Info("logging configured, debug: %q, source prefix: %v", dbgmap.String(), prefix)

	return klogcontrol.Get().Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(SourceEnvVar) != "",
	}
	if setting, ok := os.LookupEnv(DebugEnvVar); ok {
		cfg.Debug = []string{setting}
	}

	if err := Configure(cfg); err != nil {
		deflog.Error("invalid logging configuration in environment: %v", err)
	}
}
