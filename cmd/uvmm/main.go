// Command uvmm builds a user-mode virtual memory manager and drives it with
// random page accesses.
package main

import "github.com/sarchlab/uvmm/cmd/uvmm/cmd"

func main() {
	cmd.Execute()
}
