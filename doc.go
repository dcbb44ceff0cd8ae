// Package dispatch provides admission control for AI inference calls made
// by a dental practice-management system. Every feature that delegates
// reasoning to the generative-AI backend (diagnosis suggestion, treatment
// planning, imaging analysis, scheduling, financial forecasting, patient
// communication) submits through one Dispatcher, which enforces
// per-category concurrency ceilings, orders waiting work by clinical
// urgency, rotates across credentials with fallback, and applies
// per-request deadlines measured from submission.
//
// Dispatch is designed as a library, not a service. Construct one
// Dispatcher per process, wire it with engine.Build, and inject it into
// feature code at startup.
//
// # Quick Start
//
//	d, err := dispatch.New(
//	    dispatch.WithGlobalConcurrency(16),
//	    dispatch.WithDefaultDeadline(30 * time.Second),
//	)
//	eng, err := engine.Build(d,
//	    engine.WithConfigFile("dispatch.yaml"),
//	    engine.WithClientFactory(newInferenceClient),
//	)
//	fut, err := eng.Submit(ctx, category.Diagnosis, task,
//	    request.WithPriority(9),
//	    request.WithDeadline(10*time.Second),
//	)
//	result, err := fut.Wait(ctx)
//
// # Architecture
//
// Each subsystem lives in its own package: category (the closed taxonomy
// and its configuration), credential (registry, budget windows, and the
// route selector), queue (priority scheduling and admission control),
// worker (deadline-bounded execution), usage (counters and snapshots),
// and ext (lifecycle hooks). The engine package wires them together.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package dispatch
