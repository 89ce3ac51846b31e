package validator

import (
	"strings"
	"testing"

	"github.com/AlfredDev/queryengine/domain"
)

func TestValidateAndFormat_RejectsForbiddenStatements(t *testing.T) {
	for _, sql := range []string{
		"DROP TABLE orders;",
		"DELETE FROM orders WHERE id = 1;",
		"insert into orders values (1);",
		"/* sneaky */ UPDATE orders SET total = 0;",
	} {
		_, err := ValidateAndFormat(sql)
		if domain.KindOf(err) != domain.KindUnsafeSQL {
			t.Errorf("sql %q: expected UnsafeSQL, got %v", sql, err)
		}
	}
}

func TestValidateAndFormat_AllowsSelect(t *testing.T) {
	out, err := ValidateAndFormat("select * from orders where total > 10 limit 5")
	if err != nil {
		t.Fatalf("ValidateAndFormat: %v", err)
	}
	if !strings.Contains(out, "SELECT") || !strings.Contains(out, "LIMIT") {
		t.Fatalf("expected canonical uppercase keywords, got %q", out)
	}
}

func TestValidateAndFormat_Idempotent(t *testing.T) {
	first, err := ValidateAndFormat("select id, total from orders limit 10")
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := ValidateAndFormat(first)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if first != second {
		t.Fatalf("expected idempotence, got %q then %q", first, second)
	}
}

func TestPolicyStore_DenyBlocksSelectInto(t *testing.T) {
	store := NewPolicyStore()
	for _, p := range BuiltInPolicies() {
		store.Add(p)
	}
	decision := store.Evaluate("SELECT * INTO backup_orders FROM orders")
	if decision.Allow {
		t.Fatal("expected SELECT INTO to be denied")
	}
}
