package main

import "i4.energy/across/phonecore/cmd"

func main() {
	cmd.Execute()
}
