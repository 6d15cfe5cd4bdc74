package client

import (
	"sort"
	"sync"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// Subscription is a registered topic filter and the handler it delivers to.
type Subscription struct {
	Filter  string
	QoS     packet.QoS
	Handler MessageHandler
}

// Registry maps topic filters to handlers. It is a trie keyed by topic level,
// so matching a topic visits only the branches that can match it.
type Registry struct {
	mu    sync.RWMutex
	root  *trieNode
	count int
}

type trieNode struct {
	children map[string]*trieNode
	sub      *Subscription // set when a filter ends at this node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{root: newTrieNode()}
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Add registers handler for filter, replacing any previous registration of
// the same filter.
func (r *Registry) Add(filter string, qos packet.QoS, handler MessageHandler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	for _, level := range topic.Levels(filter) {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}

	if node.sub == nil {
		r.count++
	}
	node.sub = &Subscription{Filter: filter, QoS: qos, Handler: handler}
	return nil
}

// Remove deregisters filter. It reports whether the filter was registered.
func (r *Registry) Remove(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := topic.Levels(filter)
	path := make([]*trieNode, 0, len(levels)+1)
	node := r.root
	path = append(path, node)
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return false
		}
		node = child
		path = append(path, node)
	}
	if node.sub == nil {
		return false
	}
	node.sub = nil
	r.count--

	// Prune nodes left without subscriptions or children.
	for i := len(levels) - 1; i >= 0; i-- {
		n := path[i+1]
		if n.sub != nil || len(n.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}
	return true
}

// Get returns the registration for filter.
func (r *Registry) Get(filter string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.root
	for _, level := range topic.Levels(filter) {
		child, ok := node.children[level]
		if !ok {
			return Subscription{}, false
		}
		node = child
	}
	if node.sub == nil {
		return Subscription{}, false
	}
	return *node.sub, true
}

// Match returns every registration whose filter matches topicName.
// Topics starting with '$' are not matched by filters whose first level is a
// wildcard.
func (r *Registry) Match(topicName string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Subscription
	r.matchRecursive(r.root, topic.Levels(topicName), 0, topic.IsSysTopic(topicName), &result)
	return result
}

func (r *Registry) matchRecursive(node *trieNode, levels []string, idx int, isSysTopic bool, result *[]Subscription) {
	if idx == len(levels) {
		if node.sub != nil {
			*result = append(*result, *node.sub)
		}
		// "a/#" also matches "a".
		if hashNode, ok := node.children["#"]; ok && hashNode.sub != nil {
			*result = append(*result, *hashNode.sub)
		}
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		r.matchRecursive(child, levels, idx+1, isSysTopic, result)
	}

	if isSysTopic && idx == 0 {
		return
	}

	if plusNode, ok := node.children["+"]; ok {
		r.matchRecursive(plusNode, levels, idx+1, isSysTopic, result)
	}
	if hashNode, ok := node.children["#"]; ok && hashNode.sub != nil {
		*result = append(*result, *hashNode.sub)
	}
}

// Subscriptions returns all registrations sorted by filter.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Subscription, 0, r.count)
	var walk func(*trieNode)
	walk = func(n *trieNode) {
		if n.sub != nil {
			result = append(result, *n.sub)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(r.root)

	sort.Slice(result, func(i, j int) bool { return result[i].Filter < result[j].Filter })
	return result
}

// Count returns the number of registered filters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = newTrieNode()
	r.count = 0
}
