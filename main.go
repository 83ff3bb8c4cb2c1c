package main

import "style-transfer-serve/cmd"

func main() {
	cmd.Execute()
}
