package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Step holds the schema definition for the Step entity.
// One agent-role execution within a Job; the atomic unit of scheduling.
type Step struct {
	ent.Schema
}

// Fields of the Step.
func (Step) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("step_id").
			Unique().
			Immutable(),
		field.String("job_id").
			Immutable(),
		field.Enum("role").
			Values("repo_mapper", "planner", "implementer", "tester", "reviewer", "finalizer").
			Immutable(),
		field.Enum("state").
			Values("pending", "running", "done", "failed").
			Default("pending"),
		field.Int("attempt").
			NonNegative().
			Default(0),
		field.String("worker_id").
			Optional().
			Nillable(),
		field.Time("heartbeat_at").
			Optional().
			Nillable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("finished_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Text("result_payload").
			Optional().
			Nillable().
			Comment("opaque serialized terminal output; non-null iff state=done"),
		field.Text("conversation_history").
			Optional().
			Nillable().
			Comment("JSON array of {role, content}; a complete suffix of turns produced so far"),
	}
}

// Edges of the Step.
func (Step) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("job", Job.Type).
			Ref("steps").
			Field("job_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Step.
// The partial index on state='pending' serves the scheduler's claim hot path
// (spec §6); the job_id index serves per-job step listing.
func (Step) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("created_at").
			Annotations(entsql.IndexWhere("state = 'pending'")),
		index.Fields("job_id"),
		index.Fields("job_id", "created_at"),
	}
}
