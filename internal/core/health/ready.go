package health

import (
	"encoding/json"
	"net/http"
	"sort"
)

// ReadinessReporter is implemented by components that need warm-up before
// the process can take traffic, such as the ingest consumer.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type ReadinessFunc func() (bool, []int32)

func (f ReadinessFunc) Readiness() (bool, []int32) { return f() }

// Always reports ready. Used for components that are switched off.
var Always ReadinessReporter = ReadinessFunc(func() (bool, []int32) { return true, nil })

type componentReadiness struct {
	Ready      bool    `json:"ready"`
	Partitions []int32 `json:"partitions,omitempty"`
}

// Readiness is 200 only when every named reporter is ready. Nil reporters
// are ignored.
func Readiness(rrs map[string]ReadinessReporter) http.HandlerFunc {
	names := make([]string, 0, len(rrs))
	for n, rr := range rrs {
		if rr != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string                        `json:"status"`
			Components map[string]componentReadiness `json:"components,omitempty"`
		}
		out := resp{Status: "ready", Components: make(map[string]componentReadiness, len(names))}
		ready := true
		for _, n := range names {
			ok, parts := rrs[n].Readiness()
			c := componentReadiness{Ready: ok}
			if ok {
				c.Partitions = parts
			} else {
				ready = false
			}
			out.Components[n] = c
		}
		if !ready {
			out.Status = "not_ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
