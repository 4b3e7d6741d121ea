package store

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/abhisek/nudge/internal/vectorstore"
)

// Table names.
const (
	signalsTable         = "signals"
	outboxTable          = "outbox_entries"
	recommendationsTable = "recommendations"
	playbookTable        = "playbook_entries"
	runsTable            = "assessment_runs"
	outboxCyclesTable    = "outbox_cycles"
	llmCallsTable        = "llm_calls"
	snapshotsTable       = "user_snapshots"
	entitiesTable        = "entities"
)

// Timestamps are stored as unix milliseconds; 0 means unset.

func str(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeString, Default: ""}
}

func text(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeString, Size: 1 << 20, Default: ""}
}

func millisCol(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeInt64, Default: 0}
}

func intCol(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeInt, Default: 0}
}

func floatCol(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeFloat64, Default: 0}
}

func boolCol(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeBool, Default: false}
}

func id() *schema.Column {
	return &schema.Column{Name: "id", Type: field.TypeString}
}

// leaseColumns mirror lease.State.
func leaseColumns() []*schema.Column {
	return []*schema.Column{
		str("status"),
		str("lease_holder"),
		millisCol("lease_expires_at"),
		intCol("retry_count"),
		text("last_error"),
		millisCol("created_at"),
		millisCol("expires_at"),
	}
}

func column(cols []*schema.Column, name string) *schema.Column {
	for _, c := range cols {
		if c.Name == name {
			return c
		}
	}
	panic("store: unknown column " + name)
}

func index(name string, unique bool, cols []*schema.Column, names ...string) *schema.Index {
	idx := &schema.Index{Name: name, Unique: unique}
	for _, n := range names {
		idx.Columns = append(idx.Columns, column(cols, n))
	}
	return idx
}

var (
	signalsColumns = append(append([]*schema.Column{id()}, leaseColumns()...),
		str("user_id"),
		str("event_type"),
		text("payload"),
		str("priority"),
		str("window_type"),
		millisCol("scheduled_window_start"),
		str("target_entity_type"),
		str("target_entity_id"),
		str("processing_tier"),
		str("skip_reason"),
		intCol("deferral_count"),
		millisCol("next_process_after"),
		millisCol("processed_at"),
	)
	signalsSchema = &schema.Table{
		Name:       signalsTable,
		Columns:    signalsColumns,
		PrimaryKey: signalsColumns[:1],
		Indexes: []*schema.Index{
			index("signal_status_created_at", false, signalsColumns, "status", "created_at"),
			index("signal_user_id_status", false, signalsColumns, "user_id", "status"),
		},
	}

	outboxColumns = append(append([]*schema.Column{id()}, leaseColumns()...),
		str("entity_type"),
		str("entity_id"),
		millisCol("processed_at"),
	)
	outboxSchema = &schema.Table{
		Name:       outboxTable,
		Columns:    outboxColumns,
		PrimaryKey: outboxColumns[:1],
		Indexes: []*schema.Index{
			index("outbox_status_created_at", false, outboxColumns, "status", "created_at"),
			index("outbox_entity", false, outboxColumns, "entity_type", "entity_id"),
		},
	}

	recommendationsColumns = []*schema.Column{
		id(),
		str("user_id"),
		str("run_id"),
		str("type"),
		str("target_entity_type"),
		str("target_entity_id"),
		str("action_kind"),
		str("title"),
		text("rationale"),
		floatCol("score"),
		intCol("estimated_minutes"),
		text("action_payload"),
		text("signal_ids"),
		str("status"),
		str("context_key"),
		text("warnings"),
		str("dismiss_reason"),
		millisCol("snoozed_until"),
		{Name: "completed", Type: field.TypeBool, Nullable: true},
		millisCol("created_at"),
		millisCol("updated_at"),
		millisCol("expires_at"),
	}
	recommendationsSchema = &schema.Table{
		Name:       recommendationsTable,
		Columns:    recommendationsColumns,
		PrimaryKey: recommendationsColumns[:1],
		Indexes: []*schema.Index{
			index("recommendation_user_id_created_at", false, recommendationsColumns, "user_id", "created_at"),
			index("recommendation_status", false, recommendationsColumns, "status"),
		},
	}

	playbookColumns = []*schema.Column{
		str("user_id"),
		str("type"),
		str("context_key"),
		floatCol("success_weight"),
		intCol("accepted"),
		intCol("dismissed"),
		intCol("completed"),
		intCol("not_completed"),
		intCol("experiment_runs"),
		text("dismiss_reasons"),
		millisCol("updated_at"),
	}
	playbookSchema = &schema.Table{
		Name:       playbookTable,
		Columns:    playbookColumns,
		PrimaryKey: playbookColumns[:3],
	}

	runsColumns = []*schema.Column{
		id(),
		str("user_id"),
		str("window_type"),
		millisCol("started_at"),
		millisCol("completed_at"),
		text("signal_ids"),
		intCol("signals_received"),
		intCol("signals_processed"),
		intCol("signals_skipped"),
		str("final_tier"),
		text("tier0_rules"),
		{Name: "tier1_score", Type: field.TypeFloat64, Nullable: true},
		boolCol("tier1_degraded"),
		boolCol("tier2_executed"),
		boolCol("rag_skipped"),
		text("recommendation_ids"),
		intCol("rejected"),
		text("error"),
	}
	runsSchema = &schema.Table{
		Name:       runsTable,
		Columns:    runsColumns,
		PrimaryKey: runsColumns[:1],
		Indexes: []*schema.Index{
			index("run_user_id_completed_at", false, runsColumns, "user_id", "completed_at"),
		},
	}

	outboxCyclesColumns = []*schema.Column{
		id(),
		str("worker_id"),
		millisCol("started_at"),
		millisCol("completed_at"),
		intCol("released_expired"),
		intCol("leased"),
		intCol("unique_entries"),
		intCol("processed"),
		intCol("failed"),
		text("error"),
	}
	outboxCyclesSchema = &schema.Table{
		Name:       outboxCyclesTable,
		Columns:    outboxCyclesColumns,
		PrimaryKey: outboxCyclesColumns[:1],
	}

	llmCallsColumns = []*schema.Column{
		id(),
		str("user_id"),
		str("provider"),
		str("model"),
		str("purpose"),
		millisCol("started_at"),
		{Name: "latency_ms", Type: field.TypeInt64, Default: 0},
		intCol("input_tokens"),
		intCol("output_tokens"),
		floatCol("cost_usd"),
		boolCol("success"),
		str("error_kind"),
		text("error_message"),
		text("request"),
		text("response"),
	}
	llmCallsSchema = &schema.Table{
		Name:       llmCallsTable,
		Columns:    llmCallsColumns,
		PrimaryKey: llmCallsColumns[:1],
		Indexes: []*schema.Index{
			index("llm_call_started_at", false, llmCallsColumns, "started_at"),
		},
	}

	snapshotsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		str("user_id"),
		millisCol("captured_at"),
		text("data"),
	}
	snapshotsSchema = &schema.Table{
		Name:       snapshotsTable,
		Columns:    snapshotsColumns,
		PrimaryKey: snapshotsColumns[:1],
		Indexes: []*schema.Index{
			index("snapshot_user_id_captured_at", false, snapshotsColumns, "user_id", "captured_at"),
		},
	}

	entitiesColumns = []*schema.Column{
		str("entity_type"),
		str("entity_id"),
		str("user_id"),
		text("text"),
		millisCol("updated_at"),
	}
	entitiesSchema = &schema.Table{
		Name:       entitiesTable,
		Columns:    entitiesColumns,
		PrimaryKey: entitiesColumns[:2],
		Indexes: []*schema.Index{
			index("entity_user_id", false, entitiesColumns, "user_id"),
		},
	}

	embeddingsColumns = []*schema.Column{
		str("entity_type"),
		str("entity_id"),
		str("user_id"),
		text("text"),
		{Name: "vector", Type: field.TypeBytes},
		millisCol("updated_at"),
	}
	embeddingsSchema = &schema.Table{
		Name:       vectorstore.Table,
		Columns:    embeddingsColumns,
		PrimaryKey: embeddingsColumns[:2],
		Indexes: []*schema.Index{
			index("embedding_user_id", false, embeddingsColumns, "user_id"),
		},
	}

	// Tables lists every table created by Migrate.
	Tables = []*schema.Table{
		signalsSchema,
		outboxSchema,
		recommendationsSchema,
		playbookSchema,
		runsSchema,
		outboxCyclesSchema,
		llmCallsSchema,
		snapshotsSchema,
		entitiesSchema,
		embeddingsSchema,
	}
)
