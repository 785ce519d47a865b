package main

import "github.com/ValentinKolb/ctxd/cmd"

func main() {
	cmd.Execute()
}
