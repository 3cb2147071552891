package cel

// FilterExpressionExamples are sample cel_filter expressions.
var FilterExpressionExamples = map[string]string{
	"simple_equals":       `payload.status == "active"`,
	"numeric_greater":     `payload.amount > 100.0`,
	"string_contains":     `payload.email.contains("@example.com")`,
	"in_list":             `payload.status in ["active", "pending", "processing"]`,
	"top_level_source":    `source == "api-gateway"`,
	"has_field":           `has(payload.email) && payload.email != ""`,
	"attribute_check":     `has(attributes.customer) && attributes.customer.tier == "gold"`,
	"combined_conditions": `payload.status == "active" && payload.amount > 100.0 && source != "replay"`,
}

// TransformExpressionExamples are sample cel_transform expressions.
var TransformExpressionExamples = map[string]string{
	"uppercase":     `payload.name.upperAscii()`,
	"concatenate":   `payload.first_name + " " + payload.last_name`,
	"conditional":   `payload.status == "active" ? "enabled" : "disabled"`,
	"default_value": `has(payload.name) ? payload.name : "unknown"`,
	"math":          `payload.price * (1.0 + payload.tax_rate / 100.0)`,
	"routing_key":   `source + ":" + id`,
}
