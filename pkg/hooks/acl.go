package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// ErrNotAuthorized is returned by Publish or Subscribe when an ACL rule denies
// the topic.
var ErrNotAuthorized = errors.New("mqtt: not authorized by local ACL")

// ACLHook restricts the topics an application may publish to or subscribe to
// before anything reaches the broker.
type ACLHook struct {
	mu            sync.RWMutex
	rules         []ACLRule
	denyByDefault bool
}

// ACLRule defines an access control rule.
type ACLRule struct {
	// ClientID pattern (supports * wildcard, empty = any).
	ClientID string `yaml:"client_id"`

	// TopicFilter pattern (supports MQTT wildcards + and #).
	TopicFilter string `yaml:"topic"`

	// Read allows subscribing with a filter the rule's filter covers.
	Read bool `yaml:"read"`

	// Write allows publishing to topics matching the rule's filter.
	Write bool `yaml:"write"`
}

// ACLConfig configures the ACL hook.
type ACLConfig struct {
	// Rules are evaluated in order; the first matching rule decides.
	Rules []ACLRule `yaml:"rules"`

	// DenyByDefault denies access if no rule matches (default: false = allow).
	DenyByDefault bool `yaml:"deny_by_default"`
}

// NewACLHook creates an ACL hook. Every rule filter must be a valid topic
// filter.
func NewACLHook(cfg ACLConfig) (*ACLHook, error) {
	for _, r := range cfg.Rules {
		if err := topic.ValidateFilter(r.TopicFilter); err != nil {
			return nil, fmt.Errorf("acl rule %q: %w", r.TopicFilter, err)
		}
	}
	return &ACLHook{
		rules:         append([]ACLRule(nil), cfg.Rules...),
		denyByDefault: cfg.DenyByDefault,
	}, nil
}

func (h *ACLHook) ID() string { return "acl" }

// OnPublish checks write permission for the message topic.
func (h *ACLHook) OnPublish(ctx context.Context, c client.ClientInfo, msg *client.Message) error {
	if !h.canAccess(c, msg.Topic, false) {
		return fmt.Errorf("%w: publish to %s", ErrNotAuthorized, msg.Topic)
	}
	return nil
}

// OnSubscribe checks read permission for the filter.
func (h *ACLHook) OnSubscribe(ctx context.Context, c client.ClientInfo, filter string, qos packet.QoS) error {
	if !h.canAccess(c, filter, true) {
		return fmt.Errorf("%w: subscribe to %s", ErrNotAuthorized, filter)
	}
	return nil
}

// CanRead reports whether c may subscribe with filter.
func (h *ACLHook) CanRead(c client.ClientInfo, filter string) bool {
	return h.canAccess(c, filter, true)
}

// CanWrite reports whether c may publish to topicName.
func (h *ACLHook) CanWrite(c client.ClientInfo, topicName string) bool {
	return h.canAccess(c, topicName, false)
}

func (h *ACLHook) canAccess(c client.ClientInfo, name string, read bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, rule := range h.rules {
		if rule.ClientID != "" && !matchPattern(rule.ClientID, c.ClientID()) {
			continue
		}
		if !covers(rule.TopicFilter, name, read) {
			continue
		}
		if read {
			return rule.Read
		}
		return rule.Write
	}
	return !h.denyByDefault
}

// covers reports whether ruleFilter applies to name. Topic names are matched
// directly; a subscription filter is covered when every topic it can match is
// also matched by ruleFilter.
func covers(ruleFilter, name string, isFilter bool) bool {
	if !isFilter || !topic.HasWildcard(name) {
		return topic.Match(ruleFilter, name)
	}

	rule := topic.Levels(ruleFilter)
	sub := topic.Levels(name)
	for i, level := range rule {
		if level == "#" {
			return true
		}
		if i >= len(sub) {
			return false
		}
		switch {
		case sub[i] == "#":
			return false
		case level == "+":
		case sub[i] == "+" || sub[i] != level:
			return false
		}
	}
	return len(rule) == len(sub)
}

// matchPattern matches a simple wildcard pattern (* = any).
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(value, pattern[1:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, pattern[1:])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// AddRule appends a rule at runtime.
func (h *ACLHook) AddRule(rule ACLRule) error {
	if err := topic.ValidateFilter(rule.TopicFilter); err != nil {
		return fmt.Errorf("acl rule %q: %w", rule.TopicFilter, err)
	}
	h.mu.Lock()
	h.rules = append(h.rules, rule)
	h.mu.Unlock()
	return nil
}

// ClearRules removes all rules.
func (h *ACLHook) ClearRules() {
	h.mu.Lock()
	h.rules = nil
	h.mu.Unlock()
}

var (
	_ client.PublishGuard   = (*ACLHook)(nil)
	_ client.SubscribeGuard = (*ACLHook)(nil)
)
