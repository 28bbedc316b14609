// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides [Store], an ordered collection of entities
// keyed by their server-assigned ID.
//
// Elements are kept sorted ascending by [model.Entity.EntityID] with
// at most one element per ID. Insert of an existing ID replaces the
// element in place, so applying the same update twice leaves the store
// unchanged. Lookups are binary searches. A Store is safe for
// concurrent use; readers receive copies and never alias the backing
// slice.
package store
