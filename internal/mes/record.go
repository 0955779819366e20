package mes

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/leafscale/aps/internal/plan"
)

// MES time layouts.
const (
	TimeLayout = "2006/01/02 15:04:05"
	DateLayout = "2006/01/02"
)

type (
	// Record is the hierarchical plan record the MES consumes. Field names
	// are the MES wire names.
	Record struct {
		PlanID         string       `json:"PlanID"`
		ProductionLine string       `json:"ProductionLine"`
		MaterialCode   string       `json:"MaterialCode"`
		Quantity       int          `json:"Quantity"`
		PlanStartTime  string       `json:"PlanStartTime"`
		PlanEndTime    string       `json:"PlanEndTime"`
		Sequence       int          `json:"Sequence"`
		Unit           string       `json:"Unit"`
		PlanDate       string       `json:"PlanDate"`
		IsBackup       bool         `json:"IsBackup"`
		InputBatch     []InputBatch `json:"InputBatch"`
	}

	// InputBatch is one upstream supply entry: the supplying feeder plan
	// for maker records, the cut-tobacco material for feeder records.
	InputBatch struct {
		InputPlanID   string `json:"InputPlanID"`
		MaterialCode  string `json:"MaterialCode"`
		IsMainChannel bool   `json:"IsMainChannel"`
		// IsLastOne marks the final material entry on feeder records.
		IsLastOne bool `json:"IsLastOne"`
		IsDeleted bool `json:"IsDeleted"`
	}
)

// MakerRecord serializes a maker order. feederPlanID names the MES plan of
// the supplying feeder order and is empty for backup orders, which carry no
// input entries. Quantity is the final quantity: the packs the maker must
// produce.
func MakerRecord(order plan.MakerOrder, planID, feederPlanID string) Record {
	rec := Record{
		PlanID:         planID,
		ProductionLine: order.Maker,
		MaterialCode:   order.Article,
		Quantity:       order.FinalQuantity,
		PlanStartTime:  order.Start.Format(TimeLayout),
		PlanEndTime:    order.End.Format(TimeLayout),
		Sequence:       order.Sequence,
		Unit:           order.Unit,
		PlanDate:       order.PlanDate.Format(DateLayout),
		IsBackup:       order.IsBackup,
		InputBatch:     []InputBatch{},
	}
	if feederPlanID != "" {
		rec.InputBatch = append(rec.InputBatch, InputBatch{
			InputPlanID:   feederPlanID,
			MaterialCode:  order.Article,
			IsMainChannel: true,
		})
	}
	return rec
}

// FeederRecord serializes a feeder order. Quantity already includes the
// safety-stock margin. The single input entry stands for the order's cut
// material; a bill of materials is not modeled here.
func FeederRecord(order plan.FeederOrder, planID string) Record {
	return Record{
		PlanID:         planID,
		ProductionLine: order.Feeder,
		MaterialCode:   order.Article,
		Quantity:       order.Quantity,
		PlanStartTime:  order.Start.Format(TimeLayout),
		PlanEndTime:    order.End.Format(TimeLayout),
		Sequence:       order.Sequence,
		Unit:           order.Unit,
		PlanDate:       order.PlanDate.Format(DateLayout),
		InputBatch: []InputBatch{{
			MaterialCode:  order.Article,
			IsMainChannel: true,
			IsLastOne:     true,
		}},
	}
}

// ParsePlanTimes returns the record's start and end as times, for tests and
// the dashboard view.
func ParsePlanTimes(rec Record) (start, end time.Time, err error) {
	start, err = time.Parse(TimeLayout, rec.PlanStartTime)
	if err != nil {
		return start, end, fmt.Errorf("parse plan start %q: %w", rec.PlanStartTime, err)
	}
	end, err = time.Parse(TimeLayout, rec.PlanEndTime)
	if err != nil {
		return start, end, fmt.Errorf("parse plan end %q: %w", rec.PlanEndTime, err)
	}
	return start, end, nil
}

//go:embed dispatch_schema.json
var dispatchSchema []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(dispatchSchema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("dispatch.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("dispatch.json")
	if err != nil {
		return nil, fmt.Errorf("compile dispatch schema: %w", err)
	}
	return schema, nil
})

// Validate checks the record against the dispatch schema. Records are
// validated before they are persisted or enqueued so malformed plans never
// reach the MES.
func Validate(rec Record) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dispatch record: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal dispatch record: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("dispatch record %s: %w", rec.PlanID, err)
	}
	return nil
}
