package server

import (
	"net/http"

	"github.com/blendle/zapdriver"
	"github.com/termhub/termhub/internal/xcloudtracecontext"
	"go.uber.org/zap"
)

// TraceContext extracts Google Cloud trace fields from an upgrade
// request's X-Cloud-Trace-Context header, so that a connection's log lines
// correlate with the load balancer's request logs when running on GCP.
func (hs *HubServer) TraceContext(r *http.Request) []zap.Field {
	var noContext []zap.Field

	if hs.gcpProjectID == "" {
		return noContext
	}

	header := r.Header.Get("X-Cloud-Trace-Context")
	if header == "" {
		return noContext
	}

	traceID, spanID, traceSampled := xcloudtracecontext.DeconstructXCloudTraceContext(header)

	return zapdriver.TraceContext(traceID, spanID, traceSampled, hs.gcpProjectID)
}
