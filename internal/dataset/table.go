package dataset

// Table is a dataset bound to its destination table name.
type Table struct {
	Name string
	Data *Dataset
}

// TableSet is an ordered list of tables. Order is the load order.
type TableSet []Table

// Get returns the dataset stored under name.
func (s TableSet) Get(name string) (*Dataset, bool) {
	for _, t := range s {
		if t.Name == name {
			return t.Data, true
		}
	}
	return nil, false
}

// Names lists table names in order.
func (s TableSet) Names() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.Name
	}
	return out
}
