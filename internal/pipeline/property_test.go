package pipeline

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/leafscale/aps/internal/plan"
)

// genDraft builds one pipeline input draft from generated parameters:
// article index, maker bitmask over J1..J3, quantity, plan day, and span.
func genDraft(id string, row, article, makers, quantity, day, hours int) plan.Draft {
	d := testDraft(id, row)
	d.Article = []string{"YA01", "YA02"}[article]
	d.Makers = nil
	for bit, maker := range []string{"J1", "J2", "J3"} {
		if makers&(1<<bit) != 0 {
			d.Makers = append(d.Makers, maker)
		}
	}
	d.Feeders = []string{"W1", "W2"}
	d.InputQuantity = quantity
	d.FinalQuantity = quantity
	d.Start = at(day, 8, 0)
	d.End = d.Start.Add(time.Duration(hours) * time.Hour)
	return d
}

// runStages pushes the drafts through the transform chain with a fresh
// counter store, the way a full task run does.
func runStages(t *testing.T, drafts []plan.Draft) (Orders, []plan.Draft) {
	t.Helper()
	ctx := context.Background()
	env := defaultFixture().env(t)

	var err error
	for _, stage := range []func(context.Context, Env, []plan.Draft) ([]plan.Draft, []plan.Diagnostic, error){
		Merge, Split, Correct, Synchronize,
	} {
		drafts, _, err = stage(ctx, env, drafts)
		if err != nil {
			t.Fatalf("stage failed: %v", err)
		}
	}
	orders, _, err := Emit(ctx, env, "batch-1", "task-1", drafts)
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	return orders, drafts
}

func TestPipelineQuantityConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no stage gains or loses boxes", prop.ForAll(
		func(a1, m1, q1, a2, m2, q2, day, hours int) bool {
			input := []plan.Draft{
				genDraft("R1", 2, a1, m1, q1, day, hours),
				genDraft("R2", 3, a2, m2, q2, day+1, hours),
			}
			want := q1 + q2

			orders, _ := runStages(t, input)
			got := 0
			for _, m := range orders.Makers {
				if !m.IsBackup {
					got += m.InputQuantity
				}
			}
			return got == want
		},
		gen.IntRange(0, 1),
		gen.IntRange(1, 7),
		gen.IntRange(1, 2000),
		gen.IntRange(0, 1),
		gen.IntRange(1, 7),
		gen.IntRange(1, 2000),
		gen.IntRange(1, 5),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestPipelineDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("input order never changes the result", prop.ForAll(
		func(a1, m1, q1, a2, m2, q2 int) bool {
			build := func() []plan.Draft {
				return []plan.Draft{
					genDraft("R1", 2, a1, m1, q1, 1, 6),
					genDraft("R2", 3, a2, m2, q2, 2, 6),
				}
			}

			forward, fDrafts := runStages(t, build())
			input := build()
			input[0], input[1] = input[1], input[0]
			backward, bDrafts := runStages(t, input)

			return reflect.DeepEqual(forward, backward) && reflect.DeepEqual(fDrafts, bDrafts)
		},
		gen.IntRange(0, 1),
		gen.IntRange(1, 7),
		gen.IntRange(1, 2000),
		gen.IntRange(0, 1),
		gen.IntRange(1, 7),
		gen.IntRange(1, 2000),
	))

	properties.TestingRun(t)
}

func TestPipelineRemainderLineageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every order traces back to its plan row", prop.ForAll(
		func(m, q, hours int) bool {
			input := []plan.Draft{genDraft("R1", 2, 0, m, q, 1, hours)}
			_, drafts := runStages(t, input)
			for _, d := range drafts {
				if len(d.Lineage) == 0 {
					return false
				}
				for _, src := range d.Lineage {
					if src != "R1" {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 7),
		gen.IntRange(1, 2000),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
