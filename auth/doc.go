// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth evaluates room authorization rules.
//
// [Authorize] is a pure function: the verdict depends only on the
// event and the state passed in, never on the room's current state,
// storage, or the clock. The state handed to it is derived from the
// event's own declared auth_events, so every server evaluating the
// same event with the same ancestors reaches the same verdict in any
// arrival order. State resolution relies on the same property when it
// re-authorizes conflicting events against partially resolved state.
//
// A rejection names the rule that failed. Rejected events stay stored
// for audit; they are only excluded from state computation.
//
// The rule set follows room version 11.
package auth
