// Package readiness implements a minimal health-checking mechanism for use
// as k8s readiness probes. A component flips to ready once its state is
// restored and stays ready; this is a startup gate, not a monitor.
//
// Uses a global singleton registry (similar to the Prometheus client's
// default behavior).
package readiness

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

var (
	mu       = sync.Mutex{}
	registry = map[string]bool{}
)

type Component string

// Components that gate the node's readiness.
const (
	ComponentVault       Component = "vault"
	ComponentWrapper     Component = "wrapper"
	ComponentCallProxy   Component = "callproxy"
	ComponentInbound     Component = "inbound"
	ComponentCoordinator Component = "coordinator"
)

// RegisterComponent registers the given component name such that it is
// required to be ready for the global check to succeed. Registering the same
// component twice is a programming error.
func RegisterComponent(component Component) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[string(component)]; ok {
		panic("component already registered")
	}
	registry[string(component)] = false
}

// SetReady sets the given global component state.
func SetReady(component Component) {
	mu.Lock()
	defer mu.Unlock()
	if !registry[string(component)] {
		registry[string(component)] = true
	}
}

// Handler returns 200 OK if all registered components restored their state,
// or 412 Precondition Failed otherwise. The plain text component list is for
// operator convenience, not for machine consumption.
func Handler(w http.ResponseWriter, r *http.Request) {
	ready := true

	resp := new(bytes.Buffer)
	resp.WriteString("[not suitable for monitoring - do not parse]\n\n")

	mu.Lock()
	defer mu.Unlock()
	for k, v := range registry {
		fmt.Fprintf(resp, "%s\t%v\n", k, v)
		if !v {
			ready = false
		}
	}

	if !ready {
		w.WriteHeader(http.StatusPreconditionFailed)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_, _ = resp.WriteTo(w)
}
