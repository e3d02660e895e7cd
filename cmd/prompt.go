package cmd

import "github.com/pterm/pterm"

var autoConfirm bool

// confirm asks a yes/no question unless --yes was given.
func confirm(question string) bool {
	if autoConfirm {
		return true
	}
	result, _ := pterm.DefaultInteractiveConfirm.Show(question)
	return result
}
