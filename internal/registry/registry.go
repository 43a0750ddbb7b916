// Package registry holds the engine's in-memory indexes: rules by target
// id, rules by state id, watched object ids, subscribed state ids. It is
// pure data; mutation is only ever safe from within the engine's OpQueue
// goroutine.
package registry

// Rule is the minimal shape the registry needs to index a rule; the full
// rule contract lives in internal/rules.
type Rule interface {
	TargetID() string
	RequiredStateIDs() map[string]bool
}

// Registry holds the engine's current indexes.
type Registry struct {
	rulesByTargetID    map[string]Rule
	rulesByStateID     map[string]map[string]Rule // stateID -> targetID -> Rule
	watchedObjectIDs   map[string]bool
	subscribedStateIDs map[string]bool
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.Clear()
	return r
}

// Clear resets all indexes to empty.
func (r *Registry) Clear() {
	r.rulesByTargetID = make(map[string]Rule)
	r.rulesByStateID = make(map[string]map[string]Rule)
	r.watchedObjectIDs = make(map[string]bool)
	r.subscribedStateIDs = make(map[string]bool)
}

// Put indexes rule by its target id and required state ids.
func (r *Registry) Put(rule Rule) {
	target := rule.TargetID()
	r.rulesByTargetID[target] = rule
	for stateID := range rule.RequiredStateIDs() {
		bucket, ok := r.rulesByStateID[stateID]
		if !ok {
			bucket = make(map[string]Rule)
			r.rulesByStateID[stateID] = bucket
		}
		bucket[target] = rule
		r.subscribedStateIDs[stateID] = true
	}
}

// Remove drops the rule for targetID from all indexes.
func (r *Registry) Remove(targetID string) {
	rule, ok := r.rulesByTargetID[targetID]
	if !ok {
		return
	}
	delete(r.rulesByTargetID, targetID)
	for stateID := range rule.RequiredStateIDs() {
		bucket := r.rulesByStateID[stateID]
		delete(bucket, targetID)
		if len(bucket) == 0 {
			delete(r.rulesByStateID, stateID)
			delete(r.subscribedStateIDs, stateID)
		}
	}
}

// RuleByTarget returns the rule for targetID, or nil.
func (r *Registry) RuleByTarget(targetID string) Rule {
	return r.rulesByTargetID[targetID]
}

// RulesByState returns the rules subscribed to stateID.
func (r *Registry) RulesByState(stateID string) []Rule {
	bucket := r.rulesByStateID[stateID]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Rule, 0, len(bucket))
	for _, rule := range bucket {
		out = append(out, rule)
	}
	return out
}

// AllRules returns every currently indexed rule.
func (r *Registry) AllRules() []Rule {
	out := make([]Rule, 0, len(r.rulesByTargetID))
	for _, rule := range r.rulesByTargetID {
		out = append(out, rule)
	}
	return out
}

// SubscribedStateIDs returns the current set of subscribed state ids.
func (r *Registry) SubscribedStateIDs() map[string]bool {
	out := make(map[string]bool, len(r.subscribedStateIDs))
	for id := range r.subscribedStateIDs {
		out[id] = true
	}
	return out
}

// WatchObject marks id as watched (for object-change debounce/rescan).
func (r *Registry) WatchObject(id string) {
	r.watchedObjectIDs[id] = true
}

// UnwatchObject removes id from the watched set.
func (r *Registry) UnwatchObject(id string) {
	delete(r.watchedObjectIDs, id)
}

// WatchedObjectIDs returns a copy of the currently watched object ids.
func (r *Registry) WatchedObjectIDs() map[string]bool {
	out := make(map[string]bool, len(r.watchedObjectIDs))
	for id := range r.watchedObjectIDs {
		out[id] = true
	}
	return out
}

// IsWatchingObject reports whether id is currently watched.
func (r *Registry) IsWatchingObject(id string) bool {
	return r.watchedObjectIDs[id]
}
