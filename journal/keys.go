// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

const (
	factPrefix       = "fact/"
	treeOpsPrefix    = "tree_ops/"
	treeIndexPrefix  = "tree_ops_index/"
	snapshotPrefix   = "snapshot/"
	flowBudgetPrefix = "flow_budget/"
	capsPrefix       = "caps/"
)

func namespacePrefix(namespace fact.Namespace) string {
	return factPrefix + namespace.String() + "/"
}

func factKey(namespace fact.Namespace, id timestamp.OrderTime) string {
	return namespacePrefix(namespace) + id.String()
}

func treeOpsKeyPrefix(authority ident.AuthorityID) string {
	return treeOpsPrefix + authority.Hex() + "/"
}

func treeOpKey(authority ident.AuthorityID, op digest.Hash) string {
	return treeOpsKeyPrefix(authority) + op.String()
}

func treeIndexKey(authority ident.AuthorityID) string {
	return treeIndexPrefix + authority.Hex()
}

func snapshotKeyPrefix(authority ident.AuthorityID) string {
	return snapshotPrefix + authority.Hex() + "/"
}

func snapshotKey(authority ident.AuthorityID, epoch uint64) string {
	return fmt.Sprintf("%s%020d", snapshotKeyPrefix(authority), epoch)
}

func flowBudgetKey(contextID ident.ContextID, peer ident.DeviceID) string {
	return flowBudgetPrefix + contextID.Hex() + "/" + peer.Hex()
}

func capsKey(contextID ident.ContextID) string {
	return capsPrefix + contextID.Hex()
}

// parseFactKey splits a fact key into its namespace and id.
func parseFactKey(key string) (fact.Namespace, timestamp.OrderTime, error) {
	rest, ok := strings.CutPrefix(key, factPrefix)
	if !ok {
		return fact.Namespace{}, timestamp.OrderTime{}, fmt.Errorf("%q is not a fact key", key)
	}
	namespaceText, idText, ok := strings.Cut(rest, "/")
	if !ok {
		return fact.Namespace{}, timestamp.OrderTime{}, fmt.Errorf("fact key %q has no id", key)
	}
	namespace, err := fact.ParseNamespace(namespaceText)
	if err != nil {
		return fact.Namespace{}, timestamp.OrderTime{}, err
	}
	id, err := timestamp.ParseOrderTime(idText)
	if err != nil {
		return fact.Namespace{}, timestamp.OrderTime{}, err
	}
	return namespace, id, nil
}
