// Copyright 2026 llmlb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// FakeUpstreamScript describes one canned response a FakeUpstream
// returns. SSE writes Chunks as "data: <chunk>\n\n" frames with no
// delay, terminated by "data: [DONE]\n\n".
type FakeUpstreamScript struct {
	Status  int
	Body    string
	SSE     bool
	Chunks  []string
	Headers map[string]string
}

// FakeUpstream is a minimal OpenAI-compatible backend for exercising
// routing, failover, and SSE pass-through without a real inference
// server. Each request consumes the next script entry in order; once
// exhausted, the last entry repeats.
type FakeUpstream struct {
	server  *httptest.Server
	scripts []FakeUpstreamScript
	calls   atomic.Int64
}

// NewFakeUpstream starts a FakeUpstream serving the given scripts in
// order.
func NewFakeUpstream(scripts ...FakeUpstreamScript) *FakeUpstream {
	if len(scripts) == 0 {
		scripts = []FakeUpstreamScript{{Status: http.StatusOK, Body: "{}"}}
	}
	u := &FakeUpstream{scripts: scripts}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

func (u *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	n := u.calls.Add(1) - 1
	idx := int(n)
	if idx >= len(u.scripts) {
		idx = len(u.scripts) - 1
	}
	script := u.scripts[idx]

	if script.Status == 0 {
		script.Status = http.StatusOK
	}
	for k, v := range script.Headers {
		w.Header().Set(k, v)
	}

	if script.SSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(script.Status)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range script.Chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(script.Status)
	fmt.Fprint(w, script.Body)
}

// URL returns the fake upstream's base URL.
func (u *FakeUpstream) URL() string {
	return u.server.URL
}

// Calls returns how many requests the fake upstream has served.
func (u *FakeUpstream) Calls() int64 {
	return u.calls.Load()
}

// Close shuts down the underlying test server.
func (u *FakeUpstream) Close() {
	u.server.Close()
}
