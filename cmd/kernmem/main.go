// Command kernmem boots the memory subsystem on a synthetic machine and runs
// diagnostic workloads against it.
package main

func main() {
	execute()
}
