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

// Package klogcontrol adjusts the klog backend at runtime, from
// configuration and from the environment.
package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix prefixes environment variables which override klog flags,
	// for instance DEVMEM_KLOG_V=4 or DEVMEM_KLOG_SKIP_HEADERS=true.
	EnvPrefix = "DEVMEM_KLOG_"
)

// Control is the set of klog flags we can adjust.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl()

// Get returns the klog Control.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{flags: flag.NewFlagSet("klog", flag.ContinueOnError)}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	return c
}

// Configure sets every klog flag given in the configuration. All flags
// are attempted, failures are reported together.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		return nil
	}

	var result *multierror.Error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("klogcontrol: failed to set %s=%q: %w", f.Name, value, err))
		}
	})

	return result.ErrorOrNil()
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// EnvVar returns the environment variable overriding a klog flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Control) setFromEnv() {
	c.flags.VisitAll(func(f *flag.Flag) {
		env := EnvVar(f.Name)
		value, ok := os.LookupEnv(env)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			klog.Errorf("ignoring invalid klog setting %s=%q: %v", env, value, err)
		}
	})
}

func init() {
	ctl.setFromEnv()
}
