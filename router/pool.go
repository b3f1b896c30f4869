// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// Pool for entry slices to reduce allocations in FindSubscribers, which runs
// on every publish.
var entrySlicePool = sync.Pool{
	New: func() interface{} {
		s := make([]*entry, 0, 64)
		return &s
	},
}

func acquireEntrySlice() *[]*entry {
	return entrySlicePool.Get().(*[]*entry)
}

// releaseEntrySlice resets the slice and puts it back. The slice must not be
// used after release.
func releaseEntrySlice(s *[]*entry) {
	if s == nil {
		return
	}
	*s = (*s)[:0]
	entrySlicePool.Put(s)
}
