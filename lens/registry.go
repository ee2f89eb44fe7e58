package lens

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

// RegisteredCallable is the server's view of one interceptable function.
type RegisteredCallable struct {
	Name      string
	CallType  string
	Signature string
	Arity     int
	Processes []ProcessIdentity
	FirstSeen int64
	LastSeen  int64
}

type registryEntry struct {
	callType  string
	signature string
	arity     int
	processes map[string]ProcessIdentity
	firstSeen int64
	lastSeen  int64
}

// Registry tracks registered callables across client processes. Registration
// is idempotent per (name, process identity); a re-register from a new
// process instance extends the process set.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*registryEntry)}
}

// Register validates the client version and records the callable. Clients
// speaking an older protocol major are rejected so directives are never
// silently misread.
func (r *Registry) Register(req RegisterRequest) error {
	if req.Name == "" {
		return &ProtocolError{Op: "register", Message: "callable name required"}
	}
	if req.ClientVersion != "" {
		if !semver.IsValid(req.ClientVersion) {
			return &ProtocolError{Op: "register", Message: "malformed client version " + req.ClientVersion, Err: ErrVersionIncompatible}
		}
		if semver.Major(req.ClientVersion) != semver.Major(ProtocolVersion) {
			return &ProtocolError{Op: "register", Message: "client " + req.ClientVersion + " incompatible with " + ProtocolVersion, Err: ErrVersionIncompatible}
		}
	}

	now := time.Now().UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.items[req.Name]
	if !ok {
		entry = &registryEntry{
			processes: make(map[string]ProcessIdentity),
			firstSeen: now,
		}
		r.items[req.Name] = entry
	}
	entry.callType = req.CallType
	entry.signature = req.Signature
	entry.arity = req.Arity
	entry.lastSeen = now
	entry.processes[req.Process.Key()] = req.Process
	return nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (RegisteredCallable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.items[name]
	if !ok {
		return RegisteredCallable{}, false
	}
	return r.export(name, entry), true
}

// ValidateReplacement checks that replacement can stand in for name. When
// both are registered their arities must agree; a directive naming a
// mismatched replacement would fail inside the client mid-call otherwise.
// With either side unregistered, compatibility cannot be determined yet, so
// the binding is allowed and validation deferred.
func (r *Registry) ValidateReplacement(name, replacement string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orig, origKnown := r.items[name]
	repl, replKnown := r.items[replacement]
	if !origKnown || !replKnown {
		return nil
	}
	if orig.arity != repl.arity {
		return &ReplacementSignatureError{
			Name:             name,
			Replacement:      replacement,
			NameArity:        orig.arity,
			ReplacementArity: repl.arity,
		}
	}
	return nil
}

// List returns all registrations sorted by name.
func (r *Registry) List() []RegisteredCallable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegisteredCallable, 0, len(r.items))
	for name, entry := range r.items {
		out = append(out, r.export(name, entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) export(name string, entry *registryEntry) RegisteredCallable {
	procs := make([]ProcessIdentity, 0, len(entry.processes))
	for _, p := range entry.processes {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].StartNano < procs[j].StartNano })
	return RegisteredCallable{
		Name:      name,
		CallType:  entry.callType,
		Signature: entry.signature,
		Arity:     entry.arity,
		Processes: procs,
		FirstSeen: entry.firstSeen,
		LastSeen:  entry.lastSeen,
	}
}
