package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/config"
	"github.com/reqd-dev/reqd/pkg/contentloader"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/interp"
	"github.com/reqd-dev/reqd/pkg/plugins"
	"github.com/reqd-dev/reqd/pkg/redact"
	"github.com/reqd-dev/reqd/pkg/sessions"
)

type testRig struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	sessions   *sessions.Manager
	flows      *flows.Manager
	dispatcher *plugins.Dispatcher
	resolvers  *interp.Registry
	engine     *Engine

	mu     sync.Mutex
	events []eventbus.Envelope
}

func newRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	clock := idgen.NewClock()
	rig := &testRig{
		cfg:        cfg,
		bus:        eventbus.New(clock),
		sessions:   sessions.NewManager(clock),
		dispatcher: plugins.NewDispatcher(clock),
		resolvers:  interp.NewRegistry(),
	}
	rig.flows = flows.NewManager(clock, rig.bus)
	rig.engine = New(cfg, clock, rig.bus, rig.sessions, rig.flows, rig.dispatcher, rig.resolvers,
		WithJarSaveDebounce(5*time.Millisecond))

	rig.bus.Subscribe("", "", func(e eventbus.Envelope) error {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		rig.events = append(rig.events, e)
		return nil
	})

	t.Cleanup(func() {
		rig.engine.Close()
		rig.sessions.Stop()
		rig.flows.Stop()
	})
	return rig
}

func (r *testRig) eventsOfType(typ eventbus.Type) []eventbus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Envelope
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteStatelessGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("X-A"))
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input:     contentloader.Input{Content: "GET " + upstream.URL + "/get\nX-A: 1\n"},
		TimeoutMs: 5000,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RunID)
	assert.Empty(t, resp.FlowID)
	assert.Nil(t, resp.Session)
	assert.Empty(t, resp.PluginReports)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 200, resp.Response.Status)
	assert.Equal(t, flows.EncodingUTF8, resp.Response.Encoding)
	assert.JSONEq(t, `{"ok":true}`, resp.Response.Body)

	found := false
	for _, h := range resp.Response.Headers {
		assert.Equal(t, strings.ToLower(h.Name), h.Name)
		if h.Name == "x-upstream" {
			found = true
		}
	}
	assert.True(t, found, "upstream headers captured lowercased")
}

func TestExecuteVariableInterpolation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "token-abc", r.Header.Get("Authorization"))
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/users/{{userId}}\nAuthorization: {{authToken}}\n"},
		Variables: map[string]any{
			"userId":    42,
			"authToken": "token-abc",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/users/42", resp.Resolved.URL)
}

func TestExecuteSessionCookiesPersist(t *testing.T) {
	var gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "a", Value: "1", Path: "/"})
		case "/me":
			gotCookie = r.Header.Get("Cookie")
		}
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	snap := rig.sessions.Create(nil)

	_, err := rig.engine.Execute(context.Background(), &Request{
		Input:     contentloader.Input{Content: "GET " + upstream.URL + "/login\n"},
		SessionID: snap.SessionID,
	})
	require.NoError(t, err)

	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input:     contentloader.Input{Content: "GET " + upstream.URL + "/me\n"},
		SessionID: snap.SessionID,
	})
	require.NoError(t, err)

	assert.Contains(t, gotCookie, "a=1")
	require.NotNil(t, resp.Session)
	assert.Equal(t, int64(1), resp.Session.SnapshotVersion, "one bump from the login Set-Cookie")

	updated := rig.eventsOfType(eventbus.TypeSessionUpdated)
	require.Len(t, updated, 1)
	payload := updated[0].Payload.(map[string]any)
	assert.Equal(t, true, payload["cookiesChanged"])
}

func TestExecuteFlowEventOrdering(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.engine.Execute(context.Background(), &Request{
				Input:  contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
				FlowID: info.FlowID,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rig.mu.Lock()
	defer rig.mu.Unlock()

	perExec := map[string]map[eventbus.Type]int64{}
	var flowSeqs []int64
	for _, e := range rig.events {
		if e.FlowID != info.FlowID {
			continue
		}
		flowSeqs = append(flowSeqs, e.Seq)
		if e.ReqExecID == "" {
			continue
		}
		if perExec[e.ReqExecID] == nil {
			perExec[e.ReqExecID] = map[eventbus.Type]int64{}
		}
		perExec[e.ReqExecID][e.Type] = e.Seq
	}

	require.Len(t, perExec, 3)
	for execID, seqs := range perExec {
		assert.Less(t, seqs[eventbus.TypeRequestQueued], seqs[eventbus.TypeFetchStarted], "exec %s", execID)
		assert.Less(t, seqs[eventbus.TypeFetchStarted], seqs[eventbus.TypeFetchFinished], "exec %s", execID)
	}

	seen := map[int64]bool{}
	for _, seq := range flowSeqs {
		assert.False(t, seen[seq], "duplicate flow seq %d", seq)
		seen[seq] = true
	}

	stored, err := rig.flows.ListExecutions(info.FlowID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, exec := range stored {
		assert.Equal(t, flows.StatusSuccess, exec.Status)
		assert.NotNil(t, exec.Response)
		assert.NotEmpty(t, exec.URLResolved)
	}
}

func TestExecuteBodyTruncation(t *testing.T) {
	payload := strings.Repeat("z", 2<<20)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer upstream.Close()

	rig := newRig(t, func(c *config.Config) { c.MaxBodyBytes = 1 << 20 })
	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Response.Truncated)
	assert.Equal(t, int64(1<<20), resp.Response.BodyBytes)

	// subsequent executions unaffected
	_, err = rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
	})
	assert.NoError(t, err)
}

func TestExecuteBinaryBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x89, 'P', 'N', 'G', 0x00, 0x01})
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, flows.EncodingBase64, resp.Response.Encoding)
}

func TestExecutePathEscapeRefused(t *testing.T) {
	rig := newRig(t, nil)
	_, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Path: "../../etc/passwd"},
	})
	assert.Equal(t, errdefs.CodePathOutsideRoot, errdefs.CodeOf(err))

	rig.mu.Lock()
	defer rig.mu.Unlock()
	assert.Empty(t, rig.events, "no event emitted for a refused path")
}

func TestExecuteSelectionErrors(t *testing.T) {
	rig := newRig(t, nil)
	doc := "### one\nGET http://x/\n\n### two\nGET http://y/\n"

	idx := 5
	_, err := rig.engine.Execute(context.Background(), &Request{
		Input:        contentloader.Input{Content: doc},
		RequestIndex: &idx,
	})
	assert.Equal(t, errdefs.CodeRequestIndexRange, errdefs.CodeOf(err))

	_, err = rig.engine.Execute(context.Background(), &Request{
		Input:       contentloader.Input{Content: doc},
		RequestName: "three",
	})
	assert.Equal(t, errdefs.CodeRequestNotFound, errdefs.CodeOf(err))

	zero := 0
	_, err = rig.engine.Execute(context.Background(), &Request{
		Input:        contentloader.Input{Content: doc},
		RequestName:  "one",
		RequestIndex: &zero,
	})
	assert.Equal(t, errdefs.CodeValidation, errdefs.CodeOf(err))

	_, err = rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "# only a comment\n"},
	})
	assert.Equal(t, errdefs.CodeNoRequestsFound, errdefs.CodeOf(err))
}

func TestExecuteSkipHook(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	require.NoError(t, rig.dispatcher.Register(&plugins.Plugin{
		Name: "skipper",
		Hooks: map[plugins.Stage]plugins.Hook{
			plugins.StageRequestBefore: func(context.Context, *plugins.HookContext) (plugins.Signal, error) {
				return plugins.Signal{Skip: true}, nil
			},
		},
	}, rig.resolvers))

	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.Nil(t, resp.Response)
	assert.False(t, called, "dispatch short-circuited")
}

func TestExecuteRetryFromResponseAfter(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	require.NoError(t, rig.dispatcher.Register(&plugins.Plugin{
		Name: "retrier",
		Hooks: map[plugins.Stage]plugins.Hook{
			plugins.StageResponseAfter: func(_ context.Context, hc *plugins.HookContext) (plugins.Signal, error) {
				if hc.Response != nil && hc.Response.Status == http.StatusServiceUnavailable {
					return plugins.Signal{Retry: &plugins.RetrySignal{DelayMs: 1, Reason: "503"}}, nil
				}
				return plugins.Signal{}, nil
			},
		},
	}, rig.resolvers))

	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input: contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Response.Status)
	mu.Lock()
	assert.Equal(t, int32(2), attempts)
	mu.Unlock()
}

func TestExecuteTimeoutFailsOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	_, err = rig.engine.Execute(context.Background(), &Request{
		Input:     contentloader.Input{Content: "GET " + upstream.URL + "/\n"},
		FlowID:    info.FlowID,
		TimeoutMs: 50,
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeTimeout, errdefs.CodeOf(err))

	failed := rig.eventsOfType(eventbus.TypeExecutionFailed)
	assert.Len(t, failed, 1, "executionFailed emitted exactly once")

	stored, err := rig.flows.ListExecutions(info.FlowID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, flows.StatusFailed, stored[0].Status)
	assert.NotNil(t, stored[0].Timing.EndTime)
}

func TestExecuteUnknownFlowAndSession(t *testing.T) {
	rig := newRig(t, nil)

	_, err := rig.engine.Execute(context.Background(), &Request{
		Input:  contentloader.Input{Content: "GET http://x/\n"},
		FlowID: "flow_missing",
	})
	assert.Equal(t, errdefs.CodeFlowNotFound, errdefs.CodeOf(err))

	_, err = rig.engine.Execute(context.Background(), &Request{
		Input:     contentloader.Input{Content: "GET http://x/\n"},
		SessionID: "sess_missing",
	})
	assert.Equal(t, errdefs.CodeSessionNotFound, errdefs.CodeOf(err))
}

func TestSensitiveHeadersMaskedOnReadNotWrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "sid=topsecret; Path=/")
		w.Header().Set("X-Api-Key", "k-123")
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	var hookSaw map[string]string
	require.NoError(t, rig.dispatcher.Register(&plugins.Plugin{
		Name: "observer",
		Hooks: map[plugins.Stage]plugins.Hook{
			plugins.StageResponseAfter: func(_ context.Context, hc *plugins.HookContext) (plugins.Signal, error) {
				hookSaw = hc.Response.Headers
				return plugins.Signal{}, nil
			},
		},
	}, rig.resolvers))

	resp, err := rig.engine.Execute(context.Background(), &Request{
		Input:  contentloader.Input{Content: "GET " + upstream.URL + "/\nAuthorization: Bearer raw-token\n"},
		FlowID: info.FlowID,
	})
	require.NoError(t, err)

	// hooks run against the raw values
	require.NotNil(t, hookSaw)
	assert.Equal(t, "sid=topsecret; Path=/", hookSaw["set-cookie"])
	assert.Equal(t, "k-123", hookSaw["x-api-key"])

	// the returned view masks them
	assert.Equal(t, redact.Placeholder, headerValue(resp.Response.Headers, "set-cookie"))
	assert.Equal(t, redact.Placeholder, headerValue(resp.Response.Headers, "x-api-key"))
	assert.Equal(t, redact.Placeholder, headerValue(resp.Resolved.Headers, "authorization"))

	// so does the stored-execution read model
	stored, err := rig.flows.GetExecution(info.FlowID, resp.ReqExecID)
	require.NoError(t, err)
	require.NotNil(t, stored.Response)
	assert.Equal(t, redact.Placeholder, headerValue(stored.Response.Headers, "set-cookie"))
	assert.Equal(t, redact.Placeholder, headerValue(stored.Headers, "authorization"))
}

func headerValue(headers []redact.Header, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func TestExecuteSSEStream(t *testing.T) {
	var lastEventID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastEventID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\ndata: first\n\nid: 2\nevent: custom\ndata: second line a\ndata: second line b\n\n")
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	var got []SSEMessage
	err := rig.engine.ExecuteSSE(context.Background(), &SSERequest{
		Request: Request{
			Input: contentloader.Input{Content: "GET " + upstream.URL + "/\nAccept: text/event-stream\n"},
		},
		LastEventID: "0",
	}, func(m SSEMessage) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "0", lastEventID, "Last-Event-ID forwarded upstream")
	require.Len(t, got, 2)
	assert.Equal(t, SSEMessage{ID: "1", Data: "first"}, got[0])
	assert.Equal(t, "custom", got[1].Event)
	assert.Equal(t, "second line a\nsecond line b", got[1].Data)
}

func TestExecuteFailureKeepsURLTemplate(t *testing.T) {
	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	_, err = rig.engine.Execute(context.Background(), &Request{
		Input:  contentloader.Input{Content: "GET ://bad\n"},
		FlowID: info.FlowID,
	})
	require.Error(t, err)

	stored, err := rig.flows.ListExecutions(info.FlowID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, flows.StatusFailed, stored[0].Status)
	assert.Equal(t, "://bad", stored[0].URLTemplate)
	assert.Equal(t, stored[0].URLTemplate, stored[0].URLResolved,
		"template stands in when the failure precedes the fetch")
}

func TestExecuteSSEFlowStoresExecution(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: hello\n\n")
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	err = rig.engine.ExecuteSSE(context.Background(), &SSERequest{
		Request: Request{
			Input:  contentloader.Input{Content: "GET " + upstream.URL + "/\nAccept: text/event-stream\n"},
			FlowID: info.FlowID,
		},
	}, func(SSEMessage) error { return nil })
	require.NoError(t, err)

	queued := rig.eventsOfType(eventbus.TypeRequestQueued)
	assert.Len(t, queued, 1)

	stored, err := rig.flows.ListExecutions(info.FlowID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, flows.StatusSuccess, stored[0].Status)
	require.NotNil(t, stored[0].Response)
	assert.Equal(t, 200, stored[0].Response.Status)
	assert.NotNil(t, stored[0].Timing.EndTime)
	assert.NotNil(t, stored[0].Timing.DurationMs)
}

func TestExecuteSSEFlowRecordsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	info, err := rig.flows.Create("", "", nil)
	require.NoError(t, err)

	err = rig.engine.ExecuteSSE(context.Background(), &SSERequest{
		Request: Request{
			Input:  contentloader.Input{Content: "GET " + upstream.URL + "/\nAccept: text/event-stream\n"},
			FlowID: info.FlowID,
		},
	}, func(SSEMessage) error { return nil })
	require.Error(t, err)

	stored, err := rig.flows.ListExecutions(info.FlowID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, flows.StatusFailed, stored[0].Status)
	assert.NotEmpty(t, stored[0].Error)
	assert.NotNil(t, stored[0].Timing.EndTime)
}

func TestExecuteSSEHonorsPresetRunID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: hi\n\n")
	}))
	defer upstream.Close()

	rig := newRig(t, nil)
	err := rig.engine.ExecuteSSE(context.Background(), &SSERequest{
		Request: Request{
			RunID: "run_preset",
			Input: contentloader.Input{Content: "GET " + upstream.URL + "/\nAccept: text/event-stream\n"},
		},
	}, func(SSEMessage) error { return nil })
	require.NoError(t, err)

	started := rig.eventsOfType(eventbus.TypeFetchStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "run_preset", started[0].RunID)
}

func TestExecuteSSERejectsNonStreamRequest(t *testing.T) {
	rig := newRig(t, nil)
	err := rig.engine.ExecuteSSE(context.Background(), &SSERequest{
		Request: Request{Input: contentloader.Input{Content: "GET http://x/\n"}},
	}, func(SSEMessage) error { return nil })
	assert.Equal(t, errdefs.CodeValidation, errdefs.CodeOf(err))
}

func TestIsEventStream(t *testing.T) {
	rig := newRig(t, nil)

	assert.True(t, rig.engine.IsEventStream(&Request{
		Input: contentloader.Input{Content: "GET http://x/\nAccept: text/event-stream\n"},
	}))
	assert.False(t, rig.engine.IsEventStream(&Request{
		Input: contentloader.Input{Content: "GET http://x/\n"},
	}))
	// load and selection failures defer to the plain path for the error
	assert.False(t, rig.engine.IsEventStream(&Request{
		Input: contentloader.Input{Path: "../../escape.http"},
	}))
	assert.False(t, rig.engine.IsEventStream(&Request{
		Input:       contentloader.Input{Content: "GET http://x/\nAccept: text/event-stream\n"},
		RequestName: "missing",
	}))
}
