// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package zset

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/delta/pkg/util/epoch"
)

// Diff is a signed multiplicity. An update with Diff +1 asserts one copy of
// its row came into existence at its timestamp; -1 retracts one copy.
// Multiplicities beyond ±1 arise from consolidation.
type Diff int64

// Update is a single differential update: at Timestamp, the multiplicity of
// Row changed by Diff.
type Update struct {
	Row       Row
	Timestamp epoch.Timestamp
	Diff      Diff
}

// String implements fmt.Stringer.
func (u Update) String() string {
	return fmt.Sprintf("%s @%s %+d", u.Row, u.Timestamp, int64(u.Diff))
}

// Consolidate reduces updates to canonical form: multiplicities of updates
// with equal row and timestamp are summed, updates whose summed multiplicity
// is zero are dropped, and the result is ordered by timestamp, then by row
// key. Consolidation never changes the multiset a reader observes at any
// timestamp; it is idempotent and insensitive to the input order.
func Consolidate(updates []Update) []Update {
	if len(updates) == 0 {
		return nil
	}

	type group struct {
		ts  epoch.Timestamp
		key string
	}
	sums := make(map[group]Diff, len(updates))
	rows := make(map[group]Row, len(updates))
	for _, u := range updates {
		g := group{ts: u.Timestamp, key: u.Row.Key()}
		sums[g] += u.Diff
		if _, ok := rows[g]; !ok {
			rows[g] = u.Row
		}
	}

	type keyed struct {
		upd Update
		key string
	}
	out := make([]keyed, 0, len(sums))
	for g, sum := range sums {
		if sum == 0 {
			continue
		}
		out = append(out, keyed{
			upd: Update{Row: rows[g], Timestamp: g.ts, Diff: sum},
			key: g.key,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].upd.Timestamp != out[j].upd.Timestamp {
			return out[i].upd.Timestamp.Less(out[j].upd.Timestamp)
		}
		return out[i].key < out[j].key
	})

	res := make([]Update, len(out))
	for i, k := range out {
		res[i] = k.upd
	}
	return res
}
