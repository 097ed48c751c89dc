package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reqd-dev/reqd/pkg/config"
	"github.com/reqd-dev/reqd/pkg/contentloader"
	"github.com/reqd-dev/reqd/pkg/cookies"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/interp"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/plugins"
	"github.com/reqd-dev/reqd/pkg/redact"
	"github.com/reqd-dev/reqd/pkg/sessions"
)

type Op struct {
	transport    http.RoundTripper
	saveDebounce time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	op.transport = http.DefaultTransport
	op.saveDebounce = defaultSaveDebounce
	for _, opt := range opts {
		opt(op)
	}
}

// WithTransport swaps the upstream round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) OpOption {
	return func(op *Op) {
		if rt != nil {
			op.transport = rt
		}
	}
}

func WithJarSaveDebounce(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.saveDebounce = d
		}
	}
}

// Engine wires the execution pipeline together.
type Engine struct {
	cfg        *config.Config
	clock      idgen.Clock
	bus        *eventbus.Bus
	sessions   *sessions.Manager
	flows      *flows.Manager
	dispatcher *plugins.Dispatcher
	resolvers  *interp.Registry

	jarLocks  *cookies.PathLocks
	saver     *jarSaver
	transport http.RoundTripper
}

func New(
	cfg *config.Config,
	clock idgen.Clock,
	bus *eventbus.Bus,
	sessionMgr *sessions.Manager,
	flowMgr *flows.Manager,
	dispatcher *plugins.Dispatcher,
	resolvers *interp.Registry,
	opts ...OpOption,
) *Engine {
	op := &Op{}
	op.applyOpts(opts)

	locks := cookies.NewPathLocks()
	return &Engine{
		cfg:        cfg,
		clock:      clock,
		bus:        bus,
		sessions:   sessionMgr,
		flows:      flowMgr,
		dispatcher: dispatcher,
		resolvers:  resolvers,
		jarLocks:   locks,
		saver:      newJarSaver(locks, op.saveDebounce),
		transport:  op.transport,
	}
}

// Close flushes pending jar writes.
func (e *Engine) Close() {
	e.saver.Flush()
}

// runState is the per-execution event context: it stamps identity onto
// every envelope, mirrors selected events into the StoredExecution, and
// latches executionFailed to at most one emission.
type runState struct {
	e         *Engine
	runID     string
	reqExecID string
	sessionID string
	flow      *flows.Flow

	failureEmitted bool
}

func (rs *runState) emit(env eventbus.Envelope) int64 {
	env.RunID = rs.runID
	if env.ReqExecID == "" {
		env.ReqExecID = rs.reqExecID
	}
	if env.SessionID == "" {
		env.SessionID = rs.sessionID
	}
	rs.mirror(env)
	if rs.flow != nil {
		return rs.e.flows.EmitEvent(rs.flow, env)
	}
	return rs.e.bus.Emit(env)
}

// mirror applies event side effects to the StoredExecution.
func (rs *runState) mirror(env eventbus.Envelope) {
	if rs.flow == nil || rs.reqExecID == "" {
		return
	}
	switch env.Type {
	case eventbus.TypeFetchStarted:
		payload, _ := env.Payload.(map[string]any)
		_ = rs.e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
			exec.Status = flows.StatusRunning
			if payload != nil {
				if u, ok := payload["url"].(string); ok {
					exec.URLResolved = u
				}
			}
		})
	case eventbus.TypeFetchFinished:
		payload, _ := env.Payload.(map[string]any)
		_ = rs.e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
			if payload != nil {
				if ttfb, ok := payload["ttfb"].(int64); ok {
					exec.Timing.TTFBMs = &ttfb
				}
			}
		})
	case eventbus.TypePluginHookFinished:
		if record, ok := env.Payload.(flows.HookRecord); ok {
			_ = rs.e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
				exec.PluginHooks = append(exec.PluginHooks, record)
			})
		}
	}
}

// fail finalizes the execution as failed and emits error +
// executionFailed exactly once.
func (rs *runState) fail(stage string, err error) {
	if rs.failureEmitted {
		return
	}
	rs.failureEmitted = true

	code := errdefs.CodeOf(err)
	payload := map[string]any{
		"stage":   stage,
		"code":    string(code),
		"message": err.Error(),
	}
	rs.emit(eventbus.Envelope{Type: eventbus.TypeError, Payload: payload})
	rs.emit(eventbus.Envelope{Type: eventbus.TypeExecutionFailed, Payload: payload})

	if rs.flow != nil && rs.reqExecID != "" {
		now := rs.e.clock.Now()
		_ = rs.e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
			exec.Status = flows.StatusFailed
			exec.Error = err.Error()
			if exec.URLResolved == "" {
				// failures before dispatch never saw a resolved URL
				exec.URLResolved = exec.URLTemplate
			}
			exec.Timing.EndTime = &now
			d := now.Sub(exec.Timing.StartTime).Milliseconds()
			exec.Timing.DurationMs = &d
		})
	}
}

// Execute runs one request synchronously.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	runID := req.RunID
	if runID == "" {
		runID = idgen.NewRunID()
	}
	start := e.clock.Now()
	rs := &runState{e: e, runID: runID, sessionID: req.SessionID}

	if req.FlowID != "" {
		flow, err := e.flows.Lookup(req.FlowID)
		if err != nil {
			return nil, err
		}
		rs.flow = flow
		rs.reqExecID = idgen.NewExecID()
	}

	// Path safety and parsing fail before any execution state exists;
	// no events are emitted for them.
	loaded, err := contentloader.Load(e.cfg.WorkspaceRoot, req.Input)
	if err != nil {
		return nil, err
	}
	doc, err := httpfile.Parse(loaded.Content)
	if err != nil {
		return nil, err
	}
	if len(doc.Requests) == 0 {
		return nil, errdefs.New(errdefs.CodeNoRequestsFound, "document contains no requests")
	}

	selected, _, err := selectRequest(doc, req.RequestName, req.RequestIndex)
	if err != nil {
		return nil, err
	}

	var sess *sessions.Session
	if req.SessionID != "" {
		sess, err = e.sessions.GetInternal(req.SessionID)
		if err != nil {
			return nil, err
		}
	}

	resolved, err := e.resolve(req, doc, sess)
	if err != nil {
		return nil, err
	}

	if rs.flow != nil {
		exec := &flows.StoredExecution{
			ReqExecID:    rs.reqExecID,
			FlowID:       rs.flow.ID,
			SessionID:    req.SessionID,
			ReqLabel:     selected.Name,
			Source:       loaded.Source,
			RawHTTPBlock: selected.Raw,
			Method:       selected.Method,
			URLTemplate:  selected.URL,
			BodyPreview:  bodyPreview(selected.Body),
			Timing:       flows.Timing{StartTime: start},
			Status:       flows.StatusPending,
		}
		if err := e.flows.StoreExecution(rs.flow.ID, exec); err != nil {
			return nil, err
		}
		rs.emit(eventbus.Envelope{Type: eventbus.TypeRequestQueued, Payload: map[string]any{
			"method": selected.Method,
			"url":    selected.URL,
			"name":   selected.Name,
		}})
	}

	timeout := time.Duration(resolved.TimeoutMs) * time.Millisecond
	if req.TimeoutMs > 0 {
		timeout = time.Duration(min(req.TimeoutMs, config.MaxTimeoutMs)) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hc := &plugins.HookContext{
		RunID:       runID,
		FlowID:      req.FlowID,
		ReqExecID:   rs.reqExecID,
		RequestName: selected.Name,
		MaxRetries:  resolved.MaxRetries,
	}
	var allHooks []flows.HookRecord
	var allReports []flows.Report
	collect := func(res plugins.Result) plugins.Result {
		allHooks = append(allHooks, res.Hooks...)
		allReports = append(allReports, res.Reports...)
		return res
	}

	rs.emit(eventbus.Envelope{Type: eventbus.TypeParseStarted})
	collect(e.dispatcher.Dispatch(execCtx, plugins.StageParseAfter, hc, rs.emit))
	rs.emit(eventbus.Envelope{Type: eventbus.TypeParseFinished, Payload: map[string]any{
		"requests": len(doc.Requests),
	}})
	collect(e.dispatcher.Dispatch(execCtx, plugins.StageValidate, hc, rs.emit))

	retries := 0
	for {
		hc.Retries = retries
		attemptStart := e.clock.Now()
		if retries > 0 {
			// retries re-resolve config from scratch
			resolved, err = e.resolve(req, doc, sess)
			if err != nil {
				rs.fail("resolve", err)
				return nil, err
			}
			attemptStart = e.clock.Now()
		}

		out, result, err := e.attempt(execCtx, rs, hc, req, selected, loaded, sess, resolved)
		collect(result)

		if res := retrySignal(result, err); res != nil && retries < resolved.MaxRetries {
			retries++
			log.Logger.Infow("retrying execution",
				"runId", runID, "attempt", retries, "delayMs", res.DelayMs, "reason", res.Reason)
			select {
			case <-execCtx.Done():
				err := errdefs.New(errdefs.CodeTimeout, "execution deadline elapsed during retry delay")
				rs.fail("execute", err)
				return nil, err
			case <-time.After(time.Duration(res.DelayMs) * time.Millisecond):
			}
			continue
		}

		if err != nil {
			rs.fail("execute", err)
			return nil, err
		}

		end := e.clock.Now()
		duration := end.Sub(start).Milliseconds()
		timing := flows.Timing{StartTime: attemptStart, EndTime: &end, DurationMs: &duration}
		if out.ttfbMs != nil {
			timing.TTFBMs = out.ttfbMs
		}

		if rs.flow != nil {
			_ = e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
				exec.Status = flows.StatusSuccess
				exec.URLResolved = out.resolvedURL
				exec.Headers = out.resolvedHeaders
				exec.Response = out.response
				exec.Timing.EndTime = &end
				exec.Timing.DurationMs = &duration
				if out.ttfbMs != nil {
					exec.Timing.TTFBMs = out.ttfbMs
				}
				exec.PluginReports = allReports
			})
		}

		// the stored execution keeps raw headers; the returned view is a
		// read projection and masks them
		resp := &Response{
			RunID:     runID,
			ReqExecID: rs.reqExecID,
			FlowID:    req.FlowID,
			Request:   selected,
			Resolved: ResolvedView{
				Method:    out.resolvedMethod,
				URL:       out.resolvedURL,
				Headers:   redact.Headers(out.resolvedHeaders),
				Profile:   resolved.Profile,
				Variables: redact.Variables(resolved.Variables),
			},
			Response:      out.response.Redacted(),
			Skipped:       out.skipped,
			Limits:        Limits{MaxBodyBytes: resolved.MaxBodyBytes},
			Timing:        timing,
			PluginReports: allReports,
		}
		if allReports == nil {
			resp.PluginReports = []flows.Report{}
		}
		if req.SessionID != "" {
			if snap, err := e.sessions.Get(req.SessionID); err == nil {
				resp.Session = &snap
			}
		}
		return resp, nil
	}
}

// resolve layers config for one attempt: project defaults → profile →
// document variables → session variables → per-request variables.
func (e *Engine) resolve(req *Request, doc *httpfile.Document, sess *sessions.Session) (*config.Resolved, error) {
	var sessionVars map[string]any
	if sess != nil {
		sessionVars = map[string]any{}
		_ = e.sessions.WithLock(sess, func() error {
			for k, v := range sess.Variables {
				sessionVars[k] = v
			}
			return nil
		})
		if len(doc.Variables) > 0 {
			merged := make(map[string]any, len(doc.Variables)+len(sessionVars))
			for k, v := range doc.Variables {
				merged[k] = v
			}
			for k, v := range sessionVars {
				merged[k] = v
			}
			sessionVars = merged
		}
	} else if len(doc.Variables) > 0 {
		sessionVars = make(map[string]any, len(doc.Variables))
		for k, v := range doc.Variables {
			sessionVars[k] = v
		}
	}
	return e.cfg.Resolve(req.Profile, sessionVars, req.Variables)
}

func retrySignal(result plugins.Result, err error) *plugins.RetrySignal {
	if result.Retry != nil {
		return result.Retry
	}
	_ = err
	return nil
}

// attemptOutcome carries one dispatch attempt's results back to the
// retry loop.
type attemptOutcome struct {
	skipped         bool
	resolvedMethod  string
	resolvedURL     string
	resolvedHeaders []redact.Header
	response        *flows.Response
	ttfbMs          *int64
}

func (e *Engine) attempt(
	ctx context.Context,
	rs *runState,
	hc *plugins.HookContext,
	req *Request,
	selected *httpfile.ParsedRequest,
	loaded contentloader.Loaded,
	sess *sessions.Session,
	resolved *config.Resolved,
) (attemptOutcome, plugins.Result, error) {
	var agg plugins.Result
	merge := func(res plugins.Result) plugins.Result {
		agg.Hooks = append(agg.Hooks, res.Hooks...)
		agg.Reports = append(agg.Reports, res.Reports...)
		if res.Retry != nil && agg.Retry == nil {
			agg.Retry = res.Retry
		}
		if res.Skip {
			agg.Skip = true
		}
		return res
	}

	// request.before sees the template and may rewrite or skip it
	output := &plugins.Output{
		Method:    selected.Method,
		URL:       selected.URL,
		Headers:   headersToMap(selected.Headers),
		Body:      selected.Body,
		Variables: resolved.Variables,
	}
	hc.Output = output
	hc.Response = nil
	hc.Err = nil
	before := merge(e.dispatcher.Dispatch(ctx, plugins.StageRequestBefore, hc, rs.emit))
	if before.Skip {
		return attemptOutcome{
			skipped:        true,
			resolvedMethod: output.Method,
			resolvedURL:    output.URL,
		}, agg, nil
	}

	// interpolation
	rs.emit(eventbus.Envelope{Type: eventbus.TypeInterpolateStarted})
	urlRes, err := e.resolvers.Interpolate(ctx, output.URL, output.Variables)
	if err != nil {
		return attemptOutcome{}, agg, err
	}
	headers := make([]redact.Header, 0, len(output.Headers))
	for name, value := range output.Headers {
		hv, err := e.resolvers.Interpolate(ctx, value, output.Variables)
		if err != nil {
			return attemptOutcome{}, agg, err
		}
		headers = append(headers, redact.Header{Name: name, Value: hv.Output})
	}
	bodyRes, err := e.resolvers.Interpolate(ctx, output.Body, output.Variables)
	if err != nil {
		return attemptOutcome{}, agg, err
	}
	rs.emit(eventbus.Envelope{Type: eventbus.TypeInterpolateFinished, Payload: map[string]any{
		"unresolved": len(urlRes.Unresolved) + len(bodyRes.Unresolved),
	}})

	// request.compiled sees the final wire form
	rs.emit(eventbus.Envelope{Type: eventbus.TypeCompileStarted})
	compiled := &plugins.Output{
		Method:  output.Method,
		URL:     urlRes.Output,
		Headers: headerPairsToMap(headers),
		Body:    bodyRes.Output,
	}
	hc.Output = compiled
	merge(e.dispatcher.Dispatch(ctx, plugins.StageRequestCompiled, hc, rs.emit))
	rs.emit(eventbus.Envelope{Type: eventbus.TypeCompileFinished})

	body, contentType, err := e.buildBody(selected, loaded, bodyRes.Output)
	if err != nil {
		return attemptOutcome{}, agg, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, compiled.Method, compiled.URL, body)
	if err != nil {
		return attemptOutcome{}, agg, errdefs.Wrap(errdefs.CodeValidation, "invalid request", err)
	}
	for name, value := range compiled.Headers {
		httpReq.Header.Set(name, value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	outcome := attemptOutcome{
		resolvedMethod:  compiled.Method,
		resolvedURL:     compiled.URL,
		resolvedHeaders: headers,
	}

	captured, ttfb, err := e.dispatch(ctx, rs, sess, resolved, httpReq, compiled.URL)
	if err != nil {
		// error hooks may grant a retry
		hc.Output = nil
		hc.Err = err
		merge(e.dispatcher.Dispatch(ctx, plugins.StageError, hc, rs.emit))
		if agg.Retry != nil {
			return outcome, agg, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return outcome, agg, errdefs.Wrap(errdefs.CodeTimeout, "execution deadline elapsed", err)
		}
		if errdefs.CodeOf(err) != "" {
			return outcome, agg, err
		}
		return outcome, agg, errdefs.Wrap(errdefs.CodeExecute, "dispatch failed", err)
	}
	outcome.response = captured
	outcome.ttfbMs = &ttfb

	rs.emit(eventbus.Envelope{Type: eventbus.TypeFetchFinished, Payload: map[string]any{
		"status": captured.Status,
		"ttfb":   ttfb,
	}})

	// response.after may grant a retry; request.after observes only
	hc.Output = nil
	hc.Err = nil
	hc.Response = &plugins.ResponseView{
		Status:    captured.Status,
		Headers:   headerPairsToMap(captured.Headers),
		Body:      captured.Body,
		Truncated: captured.Truncated,
	}
	merge(e.dispatcher.Dispatch(ctx, plugins.StageResponseAfter, hc, rs.emit))
	merge(e.dispatcher.Dispatch(ctx, plugins.StageRequestAfter, hc, rs.emit))

	return outcome, agg, nil
}

// dispatch runs the network call in the cookie mode the resolved
// config selects.
func (e *Engine) dispatch(
	ctx context.Context,
	rs *runState,
	sess *sessions.Session,
	resolved *config.Resolved,
	httpReq *http.Request,
	resolvedURL string,
) (*flows.Response, int64, error) {
	doFetch := func(jar http.CookieJar) (*flows.Response, int64, error) {
		client := &http.Client{Transport: e.transport, Jar: jar}
		rs.emit(eventbus.Envelope{Type: eventbus.TypeFetchStarted, Payload: map[string]any{
			"url":    resolvedURL,
			"method": httpReq.Method,
		}})
		fetchStart := e.clock.Now()
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, 0, err
		}
		ttfb := e.clock.Now().Sub(fetchStart).Milliseconds()
		defer resp.Body.Close()
		captured, err := captureResponse(resp, resolved.MaxBodyBytes)
		if err != nil {
			return nil, 0, err
		}
		return captured, ttfb, nil
	}

	if sess != nil {
		var captured *flows.Response
		var ttfb int64
		err := e.sessions.WithLock(sess, func() error {
			if resolved.CookieMode == config.CookieModeDisabled {
				var err error
				captured, ttfb, err = doFetch(nil)
				return err
			}

			// rebind the jar when the resolved path moved
			if resolved.CookieJarPath != "" && resolved.CookieJarPath != sess.CookieJarPath {
				unlock := e.jarLocks.Lock(resolved.CookieJarPath)
				jar, err := cookies.Load(resolved.CookieJarPath)
				unlock()
				if err != nil {
					return errdefs.Wrap(errdefs.CodeExecute, "load cookie jar", err)
				}
				sess.Jar = jar
				sess.CookieJarPath = resolved.CookieJarPath
			}

			rec := cookies.NewRecordingJar(sess.Jar)
			var err error
			captured, ttfb, err = doFetch(rec)
			if err != nil {
				return err
			}
			if rec.Changed() {
				version := sess.BumpVersion()
				if sess.CookieJarPath != "" {
					e.saver.Schedule(sess.CookieJarPath, sess.Jar.Snapshot())
				}
				rs.emit(eventbus.Envelope{Type: eventbus.TypeSessionUpdated, Payload: map[string]any{
					"cookiesChanged":  true,
					"snapshotVersion": version,
				}})
			}
			return nil
		})
		return captured, ttfb, err
	}

	switch resolved.CookieMode {
	case config.CookieModeDisabled:
		return doFetch(nil)

	case config.CookieModePersistent:
		if resolved.CookieJarPath == "" {
			return nil, 0, errdefs.New(errdefs.CodeValidation, "persistent cookie mode requires a jar path")
		}
		unlock := e.jarLocks.Lock(resolved.CookieJarPath)
		defer unlock()
		jar, err := cookies.Load(resolved.CookieJarPath)
		if err != nil {
			return nil, 0, errdefs.Wrap(errdefs.CodeExecute, "load cookie jar", err)
		}
		captured, ttfb, err := doFetch(jar)
		if saveErr := jar.Save(resolved.CookieJarPath); saveErr != nil {
			log.Logger.Errorw("failed to persist cookie jar", "path", resolved.CookieJarPath, "error", saveErr)
		}
		return captured, ttfb, err

	default: // memory
		return doFetch(cookies.NewJar())
	}
}

// buildBody produces the request body reader, resolving body files and
// form data.
func (e *Engine) buildBody(selected *httpfile.ParsedRequest, loaded contentloader.Loaded, interpolated string) (io.Reader, string, error) {
	if len(selected.Form) > 0 {
		return e.buildForm(selected, loaded)
	}
	if selected.BodyFile != "" {
		b, err := contentloader.LoadBodyFile(e.cfg.WorkspaceRoot, loaded.BaseDir, selected.BodyFile)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "", nil
	}
	if interpolated == "" {
		return nil, "", nil
	}
	return strings.NewReader(interpolated), "", nil
}

func (e *Engine) buildForm(selected *httpfile.ParsedRequest, loaded contentloader.Loaded) (io.Reader, string, error) {
	hasFile := false
	for _, f := range selected.Form {
		if f.IsFile {
			hasFile = true
			break
		}
	}

	if !hasFile {
		values := url.Values{}
		for _, f := range selected.Form {
			values.Add(f.Name, f.Value)
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range selected.Form {
		if !f.IsFile {
			if err := w.WriteField(f.Name, f.Value); err != nil {
				return nil, "", fmt.Errorf("write form field: %w", err)
			}
			continue
		}
		b, err := contentloader.LoadBodyFile(e.cfg.WorkspaceRoot, loaded.BaseDir, f.Path)
		if err != nil {
			return nil, "", err
		}
		part, err := w.CreateFormFile(f.Name, f.Path)
		if err != nil {
			return nil, "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(b); err != nil {
			return nil, "", fmt.Errorf("write form file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func headersToMap(hdrs []httpfile.Header) map[string]string {
	out := make(map[string]string, len(hdrs))
	for _, h := range hdrs {
		out[h.Name] = h.Value
	}
	return out
}

func headerPairsToMap(hdrs []redact.Header) map[string]string {
	out := make(map[string]string, len(hdrs))
	for _, h := range hdrs {
		out[h.Name] = h.Value
	}
	return out
}
