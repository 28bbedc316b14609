// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile applies server-pushed messages to the local
// replica and tells the presentation layer what changed.
//
// [Reconciler.Apply] handles one message: it updates the
// [replica.Replica], notifies the [Sink], and sends a
// MESSAGE_RECEIVED receipt listing every message in the event whose
// state is below [model.StateReceived]. One receipt is sent per event,
// never an empty one, and each ID appears at most once.
//
// Deleting the local user is terminal: the sink's LocalUserRemoved is
// called once and Apply returns [ErrLocalUserRemoved] so the session
// can stop.
package reconcile
