// Command pipectl operates the pipeline from a shell: it manages
// workspaces and sources, enqueues and approves work, and runs ticks.
package main

func main() {
	Execute()
}
