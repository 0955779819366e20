package mes

import (
	"context"
	"errors"

	"github.com/leafscale/aps/internal/telemetry"
)

// MES result codes. Anything else is a permanent rejection.
const (
	// ResultAccepted acknowledges the plan record.
	ResultAccepted = 1
	// ResultRetry asks the caller to resend later.
	ResultRetry = 2
)

// Response is the MES acknowledgement for one dispatched record.
type Response struct {
	Result       int    `json:"Result"`
	Reason       string `json:"Reason,omitempty"`
	ErrorCode    string `json:"ErrorCode,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

// Client delivers one plan record to the MES. The wire protocol is owned by
// the integration layer; the engine depends only on this seam.
type Client interface {
	Send(ctx context.Context, rec Record) (Response, error)
}

// LogClient accepts every record and logs it. It stands in for the MES in
// development and dry runs.
type LogClient struct {
	log telemetry.Logger
}

// NewLogClient creates a LogClient.
func NewLogClient(log telemetry.Logger) (*LogClient, error) {
	if log == nil {
		return nil, errors.New("mes: logger is required")
	}
	return &LogClient{log: log}, nil
}

// Send implements Client.
func (c *LogClient) Send(ctx context.Context, rec Record) (Response, error) {
	c.log.Info(ctx, "mes dispatch (log client)",
		"plan_id", rec.PlanID, "line", rec.ProductionLine,
		"material", rec.MaterialCode, "quantity", rec.Quantity)
	return Response{Result: ResultAccepted}, nil
}
