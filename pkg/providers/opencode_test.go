/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package providers

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return port
}

func newOpenCodeServer(t *testing.T, statuses string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(statuses))
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"ses_1","title":"refactor","directory":"/work/web","time":{"created":1748772000000,"updated":1748772060000}}]`))
	})
	mux.HandleFunc("/session/ses_1/message", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"info":{"role":"user","time":{"created":1748772000000}},"parts":[{"type":"text","text":"rename it"}]},{"info":{"role":"assistant","modelID":"claude-sonnet-4"},"parts":[{"type":"tool","tool":"edit"},{"type":"text","text":"done"}]}]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newTestOpenCode(procs ProcessTable, now time.Time) Provider {
	return NewOpenCodeProvider(Config{}, Env{
		Hostname: "host1",
		Logger:   logger.NewTestLogger(),
		Now:      func() time.Time { return now },
		Procs:    procs,
	})
}

func TestOpenCodeFetchBusySessions(t *testing.T) {
	srv := newOpenCodeServer(t, `{"ses_1":{"type":"busy"}}`)
	now := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)

	procs := &fakeProcs{
		procs: []ProcessInfo{{PID: 42, Name: "opencode", CreateTime: now.Add(-time.Hour)}},
		ports: map[int][]int{42: {serverPort(t, srv)}},
	}

	p := newTestOpenCode(procs, now)

	res, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "ses_1", rec.SessionID)
	assert.Equal(t, 42, rec.PID)
	assert.Equal(t, "refactor", rec.Name)
	assert.Equal(t, "/work/web", rec.Workspace)
	assert.Equal(t, models.AgentStatusActive, rec.Status)
	assert.Equal(t, time.UnixMilli(1748772060000), rec.ObservedAt)
	assert.Equal(t, models.ProviderStatusOK, p.Health())

	conv, err := p.(ConversationSource).LoadConversation(context.Background(), models.Agent{ID: "ses_1", SessionID: "ses_1", PID: 42})
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "rename it", conv.Turns[0].Content)
	assert.Equal(t, []string{"edit"}, conv.Turns[1].Tools)
	assert.Equal(t, "claude-sonnet-4", conv.Turns[1].Model)
}

func TestOpenCodeFetchIdleProcess(t *testing.T) {
	srv := newOpenCodeServer(t, `{}`)
	now := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)

	procs := &fakeProcs{
		procs: []ProcessInfo{{PID: 42, Name: "opencode", CreateTime: now.Add(-time.Hour)}},
		ports: map[int][]int{42: {serverPort(t, srv)}},
	}

	res, err := newTestOpenCode(procs, now).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Records[0].SessionID)
	assert.Equal(t, 42, res.Records[0].PID)
	assert.Equal(t, models.AgentStatusIdle, res.Records[0].Status)
}

func TestOpenCodeFetchUnreachableDegrades(t *testing.T) {
	srv := newOpenCodeServer(t, `{}`)
	port := serverPort(t, srv)
	srv.Close()

	procs := &fakeProcs{
		procs: []ProcessInfo{{PID: 42, Name: "opencode"}},
		ports: map[int][]int{42: {port}},
	}

	p := newTestOpenCode(procs, time.Now())

	res, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, models.ProviderStatusDegraded, p.Health())

	_, err = p.(ConversationSource).LoadConversation(context.Background(), models.Agent{ID: "x", SessionID: "ses_1", PID: 42})
	require.ErrorIs(t, err, models.ErrStoreUnreachable)
}
