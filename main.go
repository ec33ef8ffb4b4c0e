// The main package for the taprogress executable.
package main

import (
	"github.com/ytwei72/TradingAgents-CN-sub000/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
