package main

import "github.com/ValentinKolb/dMC/cmd"

func main() {
	cmd.Execute()
}
