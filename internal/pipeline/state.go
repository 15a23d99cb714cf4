package pipeline

// requestState names the per-request lifecycle stage (design doc Section
// 4.13). The pipeline records it on each requestContext as the request
// advances; no code branches on it.
type requestState string

const (
	stateNew             requestState = "NEW"
	stateURLMatched      requestState = "URL_MATCHED"
	statePluginsRunning  requestState = "PLUGINS_RUNNING"
	stateForwarded       requestState = "FORWARDED"
	stateShortCircuited  requestState = "SHORT_CIRCUITED"
	stateResponsePlugins requestState = "RESPONSE_PLUGINS_RUNNING"
	stateSent            requestState = "SENT"
	stateCancelled       requestState = "CANCELLED"
)
