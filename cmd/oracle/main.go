package main

import "github.com/vietddude/oracle/internal/cli"

func main() {
	cli.Execute()
}
