// Command dpm manages projects, phases and tasks across domain databases.
package main

import "github.com/mesh-intelligence/dpm/internal/cli"

func main() {
	cli.Execute()
}
