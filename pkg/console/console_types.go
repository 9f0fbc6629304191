package console

// TableConfig represents configuration for table rendering
type TableConfig struct {
	Headers   []string
	Rows      [][]string
	Title     string
	ShowTotal bool
	TotalRow  []string
}

// FormField represents a generic form field configuration
type FormField struct {
	Type        string // "input"
	Title       string
	Description string
	Placeholder string
	Value       any // *string, pointer to the value to store the result
	Validate    func(string) error
}
