package main

import "github.com/bixority/pg-migrate/cmd"

func main() {
	cmd.Execute()
}
