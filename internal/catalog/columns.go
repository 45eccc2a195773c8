package catalog

// Column is a writable inventory column.
type Column string

// Writable columns, in the order the planner issues them.
const (
	ColumnQuantity     Column = "quantity"
	ColumnPrice        Column = "price"
	ColumnComparePrice Column = "compare_price"
)

// Columns lists every writable column in write order.
var Columns = []Column{ColumnQuantity, ColumnPrice, ColumnComparePrice}

// Assignment maps one identifier to a new column value. Value is an int for
// quantity and a decimal.Decimal for price columns.
type Assignment struct {
	ID    string
	Value any
}
