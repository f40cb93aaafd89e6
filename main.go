// The main package for the court-crawler executable.
package main

import (
	"github.com/JakeFAU/court-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
