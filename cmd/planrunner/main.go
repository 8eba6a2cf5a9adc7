// Command planrunner executes a milestone/task work plan with coding agents,
// reviewing each target until it is clean or escalated to a human.
package main

import "github.com/marcus/planrunner/cmd/planrunner/commands"

func main() {
	commands.Execute()
}
