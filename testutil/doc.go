// Copyright 2026 llmlb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil provides shared test infrastructure for the balancer's
unit and integration tests: context helpers, assertions, polling waits,
and a fake upstream HTTP server used to exercise ProxyCore failover and
SSE pass-through without a real inference backend.

# Core capabilities

  - Context helpers: TestContext / TestContextWithTimeout / CancelledContext,
    registering Cleanup automatically to avoid leaks
  - Assertions: AssertJSONEqual / AssertNoError / AssertError / AssertContains
  - Async assertions: AssertEventuallyTrue / AssertEventuallyEqual, polling
    with a timeout
  - Data helpers: MustJSON / MustParseJSON
  - Fake upstream: NewFakeUpstream, for simulating OpenAI-compatible
    backends (including SSE streaming and scripted failures) in proxy
    and failover tests
  - Benchmark helpers: BenchmarkHelper wraps common testing.B operations

# Example

	ctx := testutil.TestContext(t)
	up := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{Status: 200, Body: `{"id":"x"}`})
	defer up.Close()
	testutil.AssertNoError(t, callEndpoint(ctx, up.URL()))
*/
package testutil
