package patchbay

import "expvar"

// endpointMetrics record activity counters for one endpoint.
type endpointMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int
	requestIn    expvar.Int // inbound requests received
	requestInErr expvar.Int // inbound requests resolved with an error
	requestOut   expvar.Int // outbound requests initiated
	requestPend  expvar.Int // outbound requests awaiting a response
	routesActive expvar.Int // route handlers currently running
	anomalies    expvar.Int // unknown sessions, unresolvable targets, bad frames

	emap *expvar.Map
}

func newEndpointMetrics() *endpointMetrics {
	em := &endpointMetrics{emap: new(expvar.Map)}
	em.emap.Set("frames_received", &em.frameRecv)
	em.emap.Set("frames_sent", &em.frameSent)
	em.emap.Set("frames_dropped", &em.frameDropped)
	em.emap.Set("requests_in", &em.requestIn)
	em.emap.Set("requests_in_failed", &em.requestInErr)
	em.emap.Set("requests_out", &em.requestOut)
	em.emap.Set("requests_pending", &em.requestPend)
	em.emap.Set("routes_active", &em.routesActive)
	em.emap.Set("anomalies", &em.anomalies)
	return em
}
