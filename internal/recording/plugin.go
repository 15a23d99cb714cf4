package recording

import (
	"context"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
)

// Name is the stable identity the recording controller registers under
// in the dispatcher's plugin list.
const Name = "recording-controller"

// AsPlugin adapts the controller into a response-log observer (design doc
// Section 4.4: observer hooks run concurrently with every other plugin's
// log hook and never mutate). Recording is therefore transparent to
// plugin declaration order and to every other plugin's CONTINUE/RESPOND
// decision. It sees the response as it enters the response phase:
// observers run before any OnResponse mutator, so a replacement made by
// a mutator is not what gets recorded.
func (c *Controller) AsPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name:    Name,
		Enabled: true,
		OnResponseLog: func(_ context.Context, req *plugin.Request, resp *plugin.Response) {
			c.Record(RequestLog{
				RequestID:  req.RequestID,
				Method:     req.Method,
				URL:        req.URL,
				StatusCode: resp.StatusCode,
				RecordedAt: time.Now().UTC(),
				Header:     resp.Header,
			})
		},
	}
}
