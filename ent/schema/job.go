package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Job holds the schema definition for the Job entity.
// One repair task: a repository URL, a revision, and the pipeline's
// current progress through the six agent roles.
type Job struct {
	ent.Schema
}

// Fields of the Job.
func (Job) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("job_id").
			Unique().
			Immutable(),
		field.String("repo_url").
			Immutable(),
		field.String("revision").
			Comment("git ref; JobService.Submit stores 'main' when blank"),
		field.Text("task_description").
			Optional().
			Nillable(),
		field.String("failing_test").
			Optional().
			Nillable(),
		field.Enum("state").
			Values("map_repo", "plan", "implement", "test", "review", "finalize", "done", "failed").
			Default("map_repo"),
		field.String("workspace_ref").
			Comment("opaque handle used by the execution service; set once at submission"),
		field.String("snapshot_key").
			Optional().
			Nillable().
			Comment("latest workspace snapshot installed ahead of an Implementer step"),
		field.Int("consecutive_test_failures").
			NonNegative().
			Default(0),
		field.Int("iteration_count").
			NonNegative().
			Default(0).
			Comment("monotonically non-decreasing, informational only"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Job.
func (Job) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("steps", Step.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Job.
func (Job) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("state"),
	}
}
