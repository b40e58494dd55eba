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

package healthz_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/healthz"
)

func TestHealthz(t *testing.T) {
	mux := http.NewServeMux()
	healthz.Setup(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	status := map[string]healthz.Status{}
	checker := func(name string) healthz.CheckFn {
		return func() (healthz.Status, error) {
			if status[name] == healthz.Healthy {
				return healthz.Healthy, nil
			}
			return status[name], errors.New(name + " is unwell")
		}
	}

	require.NoError(t, healthz.Register("a", checker("a")))
	require.NoError(t, healthz.Register("b", checker("b")))
	require.Error(t, healthz.Register("a", checker("a")), "duplicate checker")
	defer healthz.Unregister("a")
	defer healthz.Unregister("b")

	get := func() (int, string) {
		rsp, err := http.Get(srv.URL + healthz.Path)
		require.NoError(t, err)
		defer rsp.Body.Close()
		body, err := io.ReadAll(rsp.Body)
		require.NoError(t, err)
		return rsp.StatusCode, string(body)
	}

	type testCase struct {
		name   string
		a, b   healthz.Status
		code   int
		body   string
		status healthz.Status
	}
	for _, tc := range []*testCase{
		{
			name: "healthy",
			code: http.StatusOK,
			body: "ok\n",
		},
		{
			name:   "degraded",
			b:      healthz.Degraded,
			code:   http.StatusOK,
			body:   "b: b is unwell\n",
			status: healthz.Degraded,
		},
		{
			name:   "non-functional",
			a:      healthz.NonFunctional,
			b:      healthz.Degraded,
			code:   http.StatusInternalServerError,
			body:   "a: a is unwell\nb: b is unwell\n",
			status: healthz.NonFunctional,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status["a"], status["b"] = tc.a, tc.b

			s, _ := healthz.Check()
			require.Equal(t, tc.status, s)

			code, body := get()
			require.Equal(t, tc.code, code)
			require.Equal(t, tc.body, body)
		})
	}
}
