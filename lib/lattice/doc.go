// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lattice is the semilattice kernel shared by quorum's CRDTs.
//
// A replicated type is a join-semilattice when its merge is
// associative, commutative and idempotent; capabilities are the dual
// meet-semilattice. The generic containers here ([Max], [Min], [GSet],
// [JoinMap]) compose into the domain types in fact, journal and
// relational. [CausalBuffer] holds operations whose parent has not
// arrived yet. The latticetest subpackage checks the laws for any type.
package lattice
