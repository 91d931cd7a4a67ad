// Package metrics provides cache and retrieval metrics for the asset store.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	type Coordinator struct {
//	    recorder metrics.Recorder
//	}
//
// When an HTTP surface is running, the service swaps in a PrometheusRecorder
// registered on its own registry and exposes it with HTTPHandler:
//
//	reg := prom.NewRegistry()
//	recorder := metrics.NewPrometheusRecorder(reg)
//	router.Handle("/metrics", metrics.HTTPHandler(reg))
package metrics
