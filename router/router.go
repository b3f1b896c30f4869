// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the topic tree: a trie of topic filters that
// answers "who subscribes to this topic" for publish fan-out.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
)

const separator = "/"

// Subscriber is one matched client with the merged view over all of its
// filters that matched the published topic.
type Subscriber struct {
	ClientID          string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	// SubscriptionIDs are the MQTT 5 subscription identifiers of every
	// matching filter, in filter registration order.
	SubscriptionIDs []uint32
}

// Matches is the result of a topic lookup. Shared subscriptions pick one
// group member each, so they are reported as group keys rather than clients.
type Matches struct {
	// Subscribers holds one merged entry per matching non-shared client,
	// ordered by client id for determinism.
	Subscribers []*Subscriber
	// SharedGroups holds the "{group}/{filter}" key of every matching
	// shared subscription, deduplicated.
	SharedGroups []string
}

// entry wraps a subscription with its registration sequence, which orders
// merged subscription identifiers.
type entry struct {
	sub   *types.Subscription
	order uint64
}

type node struct {
	children map[string]*node
	subs     []*entry
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// TrieRouter handles topic matching and subscription indexing.
// Reads run concurrently under an RWMutex; each write is atomic with respect
// to any single lookup.
type TrieRouter struct {
	mu   sync.RWMutex
	root *node
	seq  uint64
}

// NewRouter returns a new instance.
func NewRouter() *TrieRouter {
	return &TrieRouter{root: newNode()}
}

// Subscribe adds a subscription to the tree. Re-subscribing the same client
// to the same filter replaces the previous entry.
func (r *TrieRouter) Subscribe(sub *types.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(sub)
}

// SubscribeBatch adds several subscriptions atomically: a concurrent lookup
// observes either none or all of them. The end state equals sequential
// Subscribe calls.
func (r *TrieRouter) SubscribeBatch(subs []*types.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		r.insert(sub)
	}
}

func (r *TrieRouter) insert(sub *types.Subscription) {
	n := r.root
	for _, level := range strings.Split(sub.TopicFilter, separator) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}

	// Replace, never duplicate: same client and same share group means the
	// same logical subscription.
	for i, e := range n.subs {
		if e.sub.ClientID == sub.ClientID && e.sub.ShareGroup == sub.ShareGroup {
			n.subs[i] = &entry{sub: sub, order: e.order}
			return
		}
	}

	r.seq++
	n.subs = append(n.subs, &entry{sub: sub, order: r.seq})
}

// Unsubscribe removes a subscription. The filter may carry a $share prefix.
func (r *TrieRouter) Unsubscribe(clientID, filter string) {
	shareGroup, topicFilter, _ := topics.ParseShared(filter)

	r.mu.Lock()
	defer r.mu.Unlock()

	levels := strings.Split(topicFilter, separator)
	r.remove(r.root, levels, 0, func(e *entry) bool {
		return e.sub.ClientID == clientID && e.sub.ShareGroup == shareGroup
	})
}

// RemoveClient removes every subscription of the client, shared included.
func (r *TrieRouter) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAll(r.root, func(e *entry) bool {
		return e.sub.ClientID == clientID
	})
}

// remove walks to the node for the filter and drops matching entries,
// pruning empty nodes on the way back.
func (r *TrieRouter) remove(n *node, levels []string, index int, match func(*entry) bool) bool {
	if index == len(levels) {
		filtered := n.subs[:0]
		for _, e := range n.subs {
			if !match(e) {
				filtered = append(filtered, e)
			}
		}
		n.subs = filtered
		return len(n.subs) == 0 && len(n.children) == 0
	}

	level := levels[index]
	child, ok := n.children[level]
	if !ok {
		return false
	}
	if r.remove(child, levels, index+1, match) {
		delete(n.children, level)
	}
	return len(n.subs) == 0 && len(n.children) == 0
}

func (r *TrieRouter) removeAll(n *node, match func(*entry) bool) {
	filtered := n.subs[:0]
	for _, e := range n.subs {
		if !match(e) {
			filtered = append(filtered, e)
		}
	}
	n.subs = filtered

	for level, child := range n.children {
		r.removeAll(child, match)
		if len(child.subs) == 0 && len(child.children) == 0 {
			delete(n.children, level)
		}
	}
}

// FindSubscribers returns all subscribers matching the topic. Identifiers of
// a client matching through several filters are merged and the highest
// granted QoS wins. Shared subscriptions are reported separately.
func (r *TrieRouter) FindSubscribers(topic string) (*Matches, error) {
	if err := topics.ValidateTopicName(topic); err != nil {
		return nil, err
	}

	r.mu.RLock()
	levels := strings.Split(topic, separator)
	matched := acquireEntrySlice()
	matchLevel(r.root, levels, 0, matched)
	// Copy out before releasing the pooled slice.
	entries := append([]*entry(nil), (*matched)...)
	releaseEntrySlice(matched)
	r.mu.RUnlock()

	return mergeMatches(entries), nil
}

// FindSubscriber returns the merged subscriber entry of one client for a
// direct, non-fan-out publish. Returns nil if the client has no matching
// non-shared subscription.
func (r *TrieRouter) FindSubscriber(clientID, topic string) (*Subscriber, error) {
	m, err := r.FindSubscribers(topic)
	if err != nil {
		return nil, err
	}
	for _, sub := range m.Subscribers {
		if sub.ClientID == clientID {
			return sub, nil
		}
	}
	return nil, nil
}

// GroupMembers returns the members of one share group, identified by group
// name and exact topic filter, ordered by client id.
func (r *TrieRouter) GroupMembers(group, topicFilter string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.root
	for _, level := range strings.Split(topicFilter, separator) {
		child, ok := n.children[level]
		if !ok {
			return nil
		}
		n = child
	}

	var members []*Subscriber
	for _, e := range n.subs {
		if e.sub.ShareGroup != group {
			continue
		}
		m := &Subscriber{
			ClientID:          e.sub.ClientID,
			QoS:               e.sub.QoS,
			NoLocal:           e.sub.Options.NoLocal,
			RetainAsPublished: e.sub.Options.RetainAsPublished,
		}
		if e.sub.SubscriptionID != 0 {
			m.SubscriptionIDs = []uint32{e.sub.SubscriptionID}
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members
}

func matchLevel(n *node, levels []string, index int, matched *[]*entry) {
	if index == len(levels) {
		*matched = append(*matched, n.subs...)
		// "sport/#" also matches "sport".
		if wild, ok := n.children["#"]; ok {
			*matched = append(*matched, wild.subs...)
		}
		return
	}

	level := levels[index]

	// Wildcards at the first level must not match reserved '$' topics.
	reserved := index == 0 && strings.HasPrefix(level, "$")

	if child, ok := n.children[level]; ok {
		matchLevel(child, levels, index+1, matched)
	}
	if !reserved {
		if child, ok := n.children["+"]; ok {
			matchLevel(child, levels, index+1, matched)
		}
		if wild, ok := n.children["#"]; ok {
			*matched = append(*matched, wild.subs...)
		}
	}
}

// mergeMatches folds raw trie entries into per-client subscribers and shared
// group keys.
func mergeMatches(entries []*entry) *Matches {
	// Sort by registration order so merged identifier lists are stable.
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	res := &Matches{}
	byClient := make(map[string]*Subscriber)
	sharedSeen := make(map[string]struct{})

	for _, e := range entries {
		sub := e.sub
		if sub.Shared() {
			key := topics.GroupKey(sub.ShareGroup, sub.TopicFilter)
			if _, ok := sharedSeen[key]; !ok {
				sharedSeen[key] = struct{}{}
				res.SharedGroups = append(res.SharedGroups, key)
			}
			continue
		}

		s, ok := byClient[sub.ClientID]
		if !ok {
			s = &Subscriber{
				ClientID:          sub.ClientID,
				QoS:               sub.QoS,
				NoLocal:           sub.Options.NoLocal,
				RetainAsPublished: sub.Options.RetainAsPublished,
			}
			byClient[sub.ClientID] = s
			res.Subscribers = append(res.Subscribers, s)
		} else if sub.QoS > s.QoS {
			// Highest granted QoS among overlapping filters wins.
			s.QoS = sub.QoS
		}
		if sub.SubscriptionID != 0 {
			s.SubscriptionIDs = append(s.SubscriptionIDs, sub.SubscriptionID)
		}
		// Any matching filter asking for the flag is enough.
		if sub.Options.NoLocal {
			s.NoLocal = true
		}
		if sub.Options.RetainAsPublished {
			s.RetainAsPublished = true
		}
	}

	sort.Slice(res.Subscribers, func(i, j int) bool {
		a, b := res.Subscribers[i], res.Subscribers[j]
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		return a.QoS < b.QoS
	})
	return res
}
