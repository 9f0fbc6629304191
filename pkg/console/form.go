//go:build !js && !wasm

package console

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/cagehq/cage/pkg/tty"
)

// IsAccessibleMode reports whether forms should render in huh's accessible
// (plain, screen-reader-friendly) mode rather than its default TUI.
func IsAccessibleMode() bool {
	return os.Getenv("ACCESSIBLE") != ""
}

// RunForm executes a multi-field text-input form with validation.
func RunForm(fields []FormField) error {
	if len(fields) == 0 {
		return fmt.Errorf("no form fields provided")
	}
	for _, field := range fields {
		if field.Type != "input" {
			return fmt.Errorf("unknown field type: %s", field.Type)
		}
	}

	// Check if stderr is a TTY - if not, we can't show interactive forms
	if !tty.IsStderrTerminal() {
		return fmt.Errorf("interactive forms not available (not a TTY)")
	}

	var huhFields []huh.Field
	for _, field := range fields {
		inputField := huh.NewInput().
			Title(field.Title).
			Description(field.Description).
			Placeholder(field.Placeholder)

		if field.Validate != nil {
			inputField.Validate(field.Validate)
		}

		strPtr, ok := field.Value.(*string)
		if !ok {
			return fmt.Errorf("input field '%s' requires *string value", field.Title)
		}
		inputField.Value(strPtr)

		huhFields = append(huhFields, inputField)
	}

	form := huh.NewForm(
		huh.NewGroup(huhFields...),
	).WithAccessible(IsAccessibleMode())

	return form.Run()
}
