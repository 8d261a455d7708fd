package collab

import (
	"sort"
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateSchemes = struct {
	sync.RWMutex
	factories map[string]StateBackendFactory
}{factories: map[string]StateBackendFactory{}}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN hand DSNs with
// the given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	stateSchemes.Lock()
	stateSchemes.factories[scheme] = factory
	stateSchemes.Unlock()
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	stateSchemes.RLock()
	defer stateSchemes.RUnlock()
	factory, ok := stateSchemes.factories[normalizeBackendScheme(scheme)]
	return factory, ok
}

// registeredStateSchemes lists externally registered schemes, sorted.
func registeredStateSchemes() []string {
	stateSchemes.RLock()
	defer stateSchemes.RUnlock()
	out := make([]string, 0, len(stateSchemes.factories))
	for scheme := range stateSchemes.factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
