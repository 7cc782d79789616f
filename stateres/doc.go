// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres merges the states of diverged room branches into a
// single state set.
//
// [Resolve] is deterministic and order independent: every server that
// runs it over the same branch states computes the identical result,
// whatever order the branches arrived in or were passed in. That
// property is what lets federated rooms converge without any central
// coordinator, and it rests on two mechanical choices here:
//
//   - a mandatory total order over conflicting events (sender power
//     descending, then depth ascending, then event ID), so no
//     comparison ever falls back to map iteration or arrival order;
//   - iterative re-authorization against the partially resolved state,
//     so a conflicting event only enters the result if it authorizes
//     against the winners chosen before it.
//
// Resolution is pure: it reads events through the source it is given
// and touches nothing else. Callers run it off the room's admission
// lock and swap the result in afterwards.
package stateres
