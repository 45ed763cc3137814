// Scorch - ephemeral scenario range engine.
// Submit. Execute. Burn down.
package main

func main() {
	Execute()
}
