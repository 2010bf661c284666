// Command osssim runs the scheduler simulation.
package main

import "github.com/sarchlab/osssim/cmd"

func main() {
	cmd.Execute()
}
