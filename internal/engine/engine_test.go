package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atp/internal/approval"
	"atp/internal/atperr"
	"atp/internal/cachestore"
	"atp/internal/policy"
	"atp/internal/provenance"
	"atp/internal/shared/jsonx"
	"atp/internal/toolregistry"
)

type testPolicy struct {
	id     string
	action func(input policy.Input) policy.Action
}

func (p *testPolicy) ID() string          { return p.id }
func (p *testPolicy) Description() string { return p.id }
func (p *testPolicy) Evaluate(_ context.Context, input policy.Input) policy.Action {
	return p.action(input)
}

type fixture struct {
	engine *Engine
	store  cachestore.Store
	sess   Session
}

type fixtureOptions struct {
	store     cachestore.Store
	policies  []policy.Policy
	approvals approval.Handler
	tracker   bool
	config    Config
	handler   toolregistry.Handler
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	store := opts.store
	if store == nil {
		store = cachestore.NewMemoryStore(0)
		t.Cleanup(func() { store.Close() })
	}

	registry := toolregistry.New()
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name: "crm/getUser",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "number"}},
		},
	}))
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name:     "email/send",
		Metadata: toolregistry.Metadata{OperationType: toolregistry.OpWrite},
	}))
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name:     "crm/users/delete",
		Metadata: toolregistry.Metadata{OperationType: toolregistry.OpDestructive},
	}))
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name:    "math/add",
		Handler: opts.handler,
	}))
	registry.Seal()

	policies := policy.NewEngine(opts.policies...)
	policies.Seal()

	var tracker *provenance.Tracker
	if opts.tracker {
		var err error
		tracker, err = provenance.NewTracker([]byte("0123456789abcdef0123456789abcdef"), provenance.Config{})
		require.NoError(t, err)
	}

	return &fixture{
		engine: New(store, registry, policies, tracker, opts.approvals, opts.config),
		store:  store,
		sess:   Session{ID: "sess-1"},
	}
}

func addHandler(_ context.Context, args map[string]any) (any, error) {
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return map[string]any{"sum": a + b}, nil
}

func TestExecuteCompletesWithoutCallbacks(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res, err := f.engine.Execute(context.Background(), f.sess, `
		const xs = [1, 2, 3].map(x => x * 2);
		return xs.reduce((a, b) => a + b, 0);
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, float64(12), res.Value)
	assert.NotEmpty(t, res.ExecutionID)
	require.NotNil(t, res.Stats)
	assert.Zero(t, res.Stats.LLMCalls)
}

func TestExecuteReportsParseAndSecurityFailures(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res, err := f.engine.Execute(context.Background(), f.sess, "const = 1", ExecConfig{})
	require.NoError(t, err)
	assert.Equal(t, StatusParseError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, atperr.CodeParseError, res.Error.Code)

	res, err = f.engine.Execute(context.Background(), f.sess, "return process.env", ExecConfig{})
	require.NoError(t, err)
	assert.Equal(t, StatusSecurityViolation, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, atperr.CodeSecurityViolation, res.Error.Code)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const summary = await atp.llm.call({ prompt: 'summarize' });
		return { summary: summary };
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.NeedsCallback)
	assert.Equal(t, "llm", res.NeedsCallback.Type)
	assert.Equal(t, "llm.call", res.NeedsCallback.Operation)
	assert.Equal(t, "summarize", res.NeedsCallback.Payload["prompt"])

	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`"all good"`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"summary": "all good"}, final.Value)
	assert.Equal(t, 1, final.Stats.LLMCalls)
}

func TestResumeEnforcesSessionOwnership(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.llm.call({ p: 1 })", ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	_, err = f.engine.Resume(ctx, Session{ID: "sess-2"}, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`1`)},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, atperr.KindForbidden, atperr.KindOf(err))
}

func TestResumeUnknownExecutionNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.engine.Resume(context.Background(), f.sess, "missing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, atperr.KindNotFound, atperr.KindOf(err))
}

func TestResumeCompletedExecutionNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.llm.call({ p: 1 })", ExecConfig{})
	require.NoError(t, err)
	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`42`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)

	_, err = f.engine.Resume(ctx, f.sess, res.ExecutionID, nil, nil)
	require.Error(t, err)
	assert.Equal(t, atperr.KindNotFound, atperr.KindOf(err))
}

func TestConcurrentResumeIsBusy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.llm.call({ p: 1 })", ExecConfig{})
	require.NoError(t, err)

	f.engine.inflight.Store(res.ExecutionID, struct{}{})
	defer f.engine.inflight.Delete(res.ExecutionID)

	_, err = f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`1`)},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, atperr.KindBusy, atperr.KindOf(err))
}

func TestBatchedCallbacksKeepPositionalOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const results = await Promise.all([
			atp.llm.call({ prompt: 'a' }),
			atp.llm.call({ prompt: 'b' }),
			atp.llm.call({ prompt: 'c' }),
		]);
		return results.join('');
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.Len(t, res.NeedsCallbacks, 3)

	// Deliver results in reverse; replay restores positional order.
	delivered := make([]CallbackResult, 0, 3)
	for i := len(res.NeedsCallbacks) - 1; i >= 0; i-- {
		cb := res.NeedsCallbacks[i]
		prompt, _ := cb.Payload["prompt"].(string)
		delivered = append(delivered, CallbackResult{
			ID:    cb.ID,
			Value: jsonx.RawMessage(fmt.Sprintf("%q", prompt+"!")),
		})
	}
	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, delivered, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "a!b!c!", final.Value)
	assert.Equal(t, 3, final.Stats.LLMCalls)
}

func TestApprovalRequestSuspendsToClient(t *testing.T) {
	f := newFixture(t, fixtureOptions{}) // no handler: approvals are still client-owned
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.approval.request({ message: 'ok' })", ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.NeedsCallback)
	assert.Equal(t, "approval", res.NeedsCallback.Type)
	assert.Equal(t, "approval.request", res.NeedsCallback.Operation)
	assert.Equal(t, "ok", res.NeedsCallback.Payload["message"])

	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`{"approved":true}`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"approved": true}, final.Value)
}

func TestIterationAwaitsPauseOnceAsBatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const out = [];
		for (const id of [1, 2, 3]) {
			out.push(await api.crm.getUser({ id: id }));
		}
		return out.join(',');
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.Len(t, res.NeedsCallbacks, 3, "loop iterations collapse into one round trip")

	delivered := make([]CallbackResult, 0, 3)
	for _, cb := range res.NeedsCallbacks {
		id, _ := cb.Payload["id"].(float64)
		delivered = append(delivered, CallbackResult{
			ID:    cb.ID,
			Value: jsonx.RawMessage(fmt.Sprintf("\"user-%d\"", int(id))),
		})
	}
	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, delivered, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "user-1,user-2,user-3", final.Value)
}

func TestCrossInstanceResume(t *testing.T) {
	store := cachestore.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	a := newFixture(t, fixtureOptions{store: store})
	b := newFixture(t, fixtureOptions{store: store})
	ctx := context.Background()

	res, err := a.engine.Execute(ctx, a.sess, "return await atp.llm.call({ p: 'x' })", ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	final, err := b.engine.Resume(ctx, a.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`"from-b"`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "from-b", final.Value)
}

func TestPolicyBlockIsCatchable(t *testing.T) {
	block := &testPolicy{id: "no-email", action: func(input policy.Input) policy.Action {
		if input.Tool == "email/send" {
			return policy.Block("outbound email is disabled")
		}
		return policy.Log()
	}}
	f := newFixture(t, fixtureOptions{policies: []policy.Policy{block}})

	res, err := f.engine.Execute(context.Background(), f.sess, `
		try {
			await api.email.send({ to: 'a@b.c' });
			return 'sent';
		} catch (e) {
			return { code: e.code, policy: e.policy };
		}
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{
		"code":   atperr.CodePolicyBlocked,
		"policy": "no-email",
	}, res.Value)
}

func TestUnknownPolicySelectionRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.engine.Execute(context.Background(), f.sess, "return 1", ExecConfig{
		SecurityPolicies: []string{"nonexistent"},
	})
	require.Error(t, err)
	assert.Equal(t, atperr.KindValidation, atperr.KindOf(err))
}

func TestServerSideHandlerRunsWithoutPause(t *testing.T) {
	f := newFixture(t, fixtureOptions{handler: addHandler, tracker: true})
	res, err := f.engine.Execute(context.Background(), f.sess, `
		const out = await api.math.add({ a: 2, b: 3 });
		return out.sum;
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, float64(5), res.Value)
	assert.NotEmpty(t, res.ProvenanceTokens)
	assert.Equal(t, 1, res.Stats.HTTPCalls)
}

func TestApprovalGateDeniesDestructiveTool(t *testing.T) {
	f := newFixture(t, fixtureOptions{}) // no handler installed: fail closed
	res, err := f.engine.Execute(context.Background(), f.sess, `
		try {
			await api.crm.users.delete({ id: 7 });
			return 'deleted';
		} catch (e) {
			return e.code;
		}
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "approvalDenied", res.Value)
}

func TestApprovalGateAllowsWhenApproved(t *testing.T) {
	f := newFixture(t, fixtureOptions{approvals: approval.AutoApprove()})
	res, err := f.engine.Execute(context.Background(), f.sess, "return await api.crm.users.delete({ id: 7 })", ExecConfig{})
	require.NoError(t, err)
	// Approved destructive tools still suspend to the client that owns them.
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.NeedsCallback)
	assert.Equal(t, "crm/users/delete", res.NeedsCallback.Operation)
}

func TestSchemaValidationFailureIsCatchable(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res, err := f.engine.Execute(context.Background(), f.sess, `
		try {
			await api.crm.getUser({ id: 'not-a-number' });
			return 'ok';
		} catch (e) {
			return e.code;
		}
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, atperr.CodeInvalidArguments, res.Value)
}

func TestSessionCacheRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		await atp.cache.set('greeting', { text: 'hello' });
		const cached = await atp.cache.get('greeting');
		return cached.text;
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello", res.Value)

	// Cache keys are session-scoped: a different session misses.
	other, err := f.engine.Execute(ctx, Session{ID: "sess-2"}, "return await atp.cache.get('greeting')", ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, other.Status)
	assert.Nil(t, other.Value)
}

func TestLLMCallBudgetExceeded(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: Config{DefaultLLMCalls: 1}})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const a = await atp.llm.call({ p: 'first' });
		const b = await atp.llm.call({ p: a });
		return b;
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`"one"`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, atperr.CodeCallBudgetExceeded, final.Error.Code)
}

func TestWallBudgetExpiresPausedExecution(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.llm.call({ p: 1 })", ExecConfig{TimeoutMs: 500})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	f.engine.now = func() time.Time { return time.Now().Add(time.Second) }
	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`1`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, atperr.CodeExecutionTimeout, final.Error.Code)
}

func TestResumeRejectsUnknownEffectID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, "return await atp.llm.call({ p: 1 })", ExecConfig{})
	require.NoError(t, err)

	_, err = f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: "bogus", Value: jsonx.RawMessage(`1`)},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, atperr.KindValidation, atperr.KindOf(err))
}

func TestDeliveredToolErrorIsCatchable(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		try {
			return await api.crm.getUser({ id: 9 });
		} catch (e) {
			return 'caught: ' + e.message;
		}
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Error: &ErrorInfo{Message: "user not found", Code: atperr.CodeNotFound}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "caught: user not found", final.Value)
}

func TestExtractResultsAreRepaired(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const data = await atp.llm.extract({ text: 'order 42' });
		return data.order;
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	// Model output arrives as a string of almost-JSON.
	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`"{'order': 42,}"`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, float64(42), final.Value)
}

func TestReplayedEffectsAreByteIdentical(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.sess, `
		const first = await atp.llm.call({ p: 'one' });
		const second = await atp.llm.call({ p: 'two' });
		return [first, second];
	`, ExecConfig{})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	mid, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: res.NeedsCallback.ID, Value: jsonx.RawMessage(`{"n": 1}`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, mid.Status)

	// The first slot's recorded bytes survive the pause unchanged.
	rec, err := f.engine.loadRecord(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, rec.Effects, 1)
	for _, entry := range rec.Effects {
		assert.JSONEq(t, `{"n": 1}`, string(entry.Value))
	}

	final, err := f.engine.Resume(ctx, f.sess, res.ExecutionID, []CallbackResult{
		{ID: mid.NeedsCallback.ID, Value: jsonx.RawMessage(`{"n": 2}`)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []any{map[string]any{"n": float64(1)}, map[string]any{"n": float64(2)}}, final.Value)
}

func TestExecutionsAreIsolated(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	type paused struct {
		id string
		cb string
	}
	executions := make([]paused, 0, 20)
	for i := 0; i < 20; i++ {
		res, err := f.engine.Execute(ctx, f.sess,
			fmt.Sprintf("return await atp.llm.call({ p: %d })", i), ExecConfig{})
		require.NoError(t, err)
		require.Equal(t, StatusPaused, res.Status)
		executions = append(executions, paused{id: res.ExecutionID, cb: res.NeedsCallback.ID})
	}
	for i, exec := range executions {
		final, err := f.engine.Resume(ctx, f.sess, exec.id, []CallbackResult{
			{ID: exec.cb, Value: jsonx.RawMessage(fmt.Sprintf("%d", i*10))},
		}, nil)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, final.Status)
		assert.Equal(t, float64(i*10), final.Value)
	}
}

func TestSeedIsStablePerExecution(t *testing.T) {
	require.Equal(t, seedFor("exec-a"), seedFor("exec-a"))
	require.NotEqual(t, seedFor("exec-a"), seedFor("exec-b"))
}

func TestInfraErrorsAreNotCatchable(t *testing.T) {
	store := &failingStore{Store: cachestore.NewMemoryStore(0)}
	f := newFixture(t, fixtureOptions{store: store})

	_, err := f.engine.Execute(context.Background(), f.sess, `
		try {
			return await atp.cache.get('k');
		} catch (e) {
			return 'caught';
		}
	`, ExecConfig{})
	require.Error(t, err)
	assert.Equal(t, atperr.KindInfra, atperr.KindOf(err))
}

type failingStore struct {
	cachestore.Store
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, cachestore.PrefixUserCache) {
		return nil, errors.New("backend down")
	}
	return s.Store.Get(ctx, key)
}
