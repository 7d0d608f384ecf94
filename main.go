package main

import "github.com/andresmejia3/faceverify/cmd"

func main() {
	cmd.Execute()
}
