package database

import (
	"strings"
	"testing"
)

func TestSchemaEnforcesPerTaskEntryCardinality(t *testing.T) {
	var spent, refunded bool
	for _, stmt := range schema {
		if strings.Contains(stmt, "ON ledger_entries (task_id) WHERE kind = 'spent'") &&
			strings.Contains(stmt, "UNIQUE") {
			spent = true
		}
		if strings.Contains(stmt, "ON ledger_entries (task_id) WHERE kind = 'refunded'") &&
			strings.Contains(stmt, "UNIQUE") {
			refunded = true
		}
	}
	if !spent || !refunded {
		t.Fatalf("missing partial unique index: spent=%v refunded=%v", spent, refunded)
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	for i, stmt := range schema {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("statement %d is not idempotent: %s", i, strings.SplitN(stmt, "\n", 2)[0])
		}
	}
}

func TestSchemaOrdersTablesBeforeReferences(t *testing.T) {
	pos := func(table string) int {
		for i, stmt := range schema {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				return i
			}
		}
		t.Fatalf("table %s not in schema", table)
		return -1
	}
	if !(pos("accounts") < pos("tasks") && pos("tasks") < pos("ledger_entries")) {
		t.Error("accounts must precede tasks, and tasks must precede ledger_entries")
	}
}
