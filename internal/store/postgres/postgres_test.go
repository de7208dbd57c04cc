package postgres

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "arb", Password: "pw", Database: "fundingarb"})
	want := "postgres://arb:pw@db:5432/fundingarb?sslmode=disable"
	if got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}); got != "postgres://x" {
		t.Fatalf("explicit DSN not preferred: %q", got)
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_positions.sql", "002_audit_log.sql", "003_position_locks.sql"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("migrations = %v, want %v", names, want)
	}
}

func TestPatchAssignmentsOnlySuppliedFields(t *testing.T) {
	sets, args := patchAssignments(domain.PositionPatch{
		Status:         domain.Ptr(domain.PositionStatusOpen),
		LongEntryPrice: domain.Ptr(decimal.NewFromInt(50000)),
		ShortOrderID:   domain.Ptr("s-1"),
	})

	want := []string{"status = $1", "long_entry_price = $2", "short_order_id = $3"}
	if strings.Join(sets, ", ") != strings.Join(want, ", ") {
		t.Fatalf("sets = %v, want %v", sets, want)
	}
	if len(args) != 3 || args[0] != "OPEN" || args[2] != "s-1" {
		t.Fatalf("args = %v", args)
	}

	if sets, _ := patchAssignments(domain.PositionPatch{}); len(sets) != 0 {
		t.Fatalf("empty patch produced %v", sets)
	}
}

func TestPatchAssignmentsClearsTriggerPrice(t *testing.T) {
	sets, args := patchAssignments(domain.PositionPatch{
		LongStopLossPrice:   domain.Ptr(decimal.Zero),
		LongStopLossOrderID: domain.Ptr(""),
	})
	if strings.Join(sets, ", ") != "long_stop_loss_price = $1, long_stop_loss_order_id = $2" {
		t.Fatalf("sets = %v", sets)
	}
	if price, ok := args[0].(decimal.NullDecimal); !ok || price.Valid {
		t.Fatalf("cleared trigger price = %#v, want NULL", args[0])
	}
}
