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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/devmem/pkg/apis/config/v1alpha1/device"
	"github.com/containers/devmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/devmem/pkg/apis/config/v1alpha1/log"
)

const (
	// GroupVersion is the API group and version of our configuration.
	GroupVersion = "config.devmem.containers.io/v1alpha1"
	// Kind is the kind of our configuration.
	Kind = "DevmemConfig"
)

// DevmemConfig represents the configuration of device memory management.
// +kubebuilder:object:root=true
type DevmemConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec DevmemConfigSpec `json:"spec"`
}

// DevmemConfigSpec describes device memory management.
type DevmemConfigSpec struct {
	// Device configures the managed device.
	// +optional
	Device device.Config `json:"device,omitempty"`
	// Simulator configures the simulated device used for trace replay.
	// +optional
	Simulator device.Simulator `json:"simulator,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}
