package schema

import "github.com/AlfredDev/queryengine/domain"

// builtInSchemas returns the fixed Schema shapes shipped for SaaS-style
// data source kinds that have no information_schema to introspect.
func builtInSchemas() map[domain.DataSourceKind]*domain.Schema {
	return map[domain.DataSourceKind]*domain.Schema{
		domain.KindEcommerceOrders: ecommerceOrdersSchema(),
		domain.KindPayments:        paymentsSchema(),
		domain.KindAccounting:      accountingSchema(),
	}
}

func ecommerceOrdersSchema() *domain.Schema {
	return &domain.Schema{
		DatabaseType: "ecommerce-orders",
		Tables: []domain.Table{
			{
				Name: "orders",
				Columns: []domain.Column{
					{Name: "order_id", Type: "string", IsPK: true},
					{Name: "customer_id", Type: "string", IsFK: true, FKRef: "customers.customer_id"},
					{Name: "status", Type: "string"},
					{Name: "total_amount", Type: "decimal"},
					{Name: "currency", Type: "string"},
					{Name: "placed_at", Type: "timestamp"},
				},
			},
			{
				Name: "order_items",
				Columns: []domain.Column{
					{Name: "order_item_id", Type: "string", IsPK: true},
					{Name: "order_id", Type: "string", IsFK: true, FKRef: "orders.order_id"},
					{Name: "sku", Type: "string"},
					{Name: "quantity", Type: "integer"},
					{Name: "unit_price", Type: "decimal"},
				},
			},
			{
				Name: "customers",
				Columns: []domain.Column{
					{Name: "customer_id", Type: "string", IsPK: true},
					{Name: "email", Type: "string"},
					{Name: "signup_at", Type: "timestamp"},
					{Name: "country", Type: "string"},
				},
			},
		},
		Relationships: []domain.Relationship{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id", Cardinality: domain.OneToMany},
			{FromTable: "order_items", FromColumn: "order_id", ToTable: "orders", ToColumn: "order_id", Cardinality: domain.OneToMany},
		},
	}
}

func paymentsSchema() *domain.Schema {
	return &domain.Schema{
		DatabaseType: "payments",
		Tables: []domain.Table{
			{
				Name: "charges",
				Columns: []domain.Column{
					{Name: "charge_id", Type: "string", IsPK: true},
					{Name: "customer_id", Type: "string", IsFK: true, FKRef: "customers.customer_id"},
					{Name: "amount", Type: "decimal"},
					{Name: "currency", Type: "string"},
					{Name: "status", Type: "string"},
					{Name: "created_at", Type: "timestamp"},
				},
			},
			{
				Name: "refunds",
				Columns: []domain.Column{
					{Name: "refund_id", Type: "string", IsPK: true},
					{Name: "charge_id", Type: "string", IsFK: true, FKRef: "charges.charge_id"},
					{Name: "amount", Type: "decimal"},
					{Name: "reason", Type: "string"},
					{Name: "created_at", Type: "timestamp"},
				},
			},
			{
				Name: "customers",
				Columns: []domain.Column{
					{Name: "customer_id", Type: "string", IsPK: true},
					{Name: "email", Type: "string"},
				},
			},
		},
		Relationships: []domain.Relationship{
			{FromTable: "charges", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id", Cardinality: domain.OneToMany},
			{FromTable: "refunds", FromColumn: "charge_id", ToTable: "charges", ToColumn: "charge_id", Cardinality: domain.OneToMany},
		},
	}
}

func accountingSchema() *domain.Schema {
	return &domain.Schema{
		DatabaseType: "accounting",
		Tables: []domain.Table{
			{
				Name: "invoices",
				Columns: []domain.Column{
					{Name: "invoice_id", Type: "string", IsPK: true},
					{Name: "account_id", Type: "string", IsFK: true, FKRef: "accounts.account_id"},
					{Name: "amount_due", Type: "decimal"},
					{Name: "status", Type: "string"},
					{Name: "due_date", Type: "date"},
					{Name: "issued_at", Type: "timestamp"},
				},
			},
			{
				Name: "ledger_entries",
				Columns: []domain.Column{
					{Name: "entry_id", Type: "string", IsPK: true},
					{Name: "account_id", Type: "string", IsFK: true, FKRef: "accounts.account_id"},
					{Name: "debit", Type: "decimal"},
					{Name: "credit", Type: "decimal"},
					{Name: "memo", Type: "string"},
					{Name: "posted_at", Type: "timestamp"},
				},
			},
			{
				Name: "accounts",
				Columns: []domain.Column{
					{Name: "account_id", Type: "string", IsPK: true},
					{Name: "name", Type: "string"},
					{Name: "type", Type: "string"},
				},
			},
		},
		Relationships: []domain.Relationship{
			{FromTable: "invoices", FromColumn: "account_id", ToTable: "accounts", ToColumn: "account_id", Cardinality: domain.OneToMany},
			{FromTable: "ledger_entries", FromColumn: "account_id", ToTable: "accounts", ToColumn: "account_id", Cardinality: domain.OneToMany},
		},
	}
}
