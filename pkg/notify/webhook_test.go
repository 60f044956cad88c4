// Copyright 2024 Google LLC
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

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

func TestWebhookNotify(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := Payload{
		Title:     "GitOps Recovery Escalation",
		Resource:  "flux-system/Kustomization/apps",
		Pattern:   "dependency-timeout",
		Severity:  resource.SeverityHigh,
		Reason:    "max_retries_exceeded",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), payload))
	require.Equal(t, payload.Resource, got.Resource)
	require.Equal(t, payload.Pattern, got.Pattern)
}

func TestWebhookNotifyNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), Payload{Title: "x"})
	require.Error(t, err)
}

type failingSink struct{ calls int }

func (f *failingSink) Notify(context.Context, Payload) error {
	f.calls++
	return context.DeadlineExceeded
}

func TestMultiContinuesPastFailures(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	m := NewMulti(nil, a, b)
	require.NoError(t, m.Notify(context.Background(), Payload{}))
	require.Equal(t, 1, a.calls)
	require.Equal(t, 1, b.calls)
}
