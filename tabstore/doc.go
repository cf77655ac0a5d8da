// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package tabstore is the shared storage visible to every tab of one
// device profile: a single SQLite file in WAL mode, so any number of
// tab processes can read while one writes. It backs three shared
// structures:
//
//   - the session table: one record per live tab, written only by the
//     owning tab, pruned by any reader once stale;
//   - the durable presence key: the last authoritative online-user
//     push received by any tab, last-writer-wins by push timestamp;
//   - the bus log: transient cross-tab event records consumed by
//     package tabbus.
//
// Records are CBOR-encoded (lib/codec) so identical logical values
// compare byte-equal. Ownership discipline is by convention, not
// locking: each tab writes only rows it owns (its session row, its bus
// records) and treats everything else as read-only.
package tabstore
