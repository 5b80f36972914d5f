package main

import "github.com/nextlevelbuilder/glm-gateway/cmd"

func main() {
	cmd.Execute()
}
