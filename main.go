/*
Copyright © 2025 tieubaoca
*/
package main

import (
	"github.com/joho/godotenv"
	"github.com/tieubaoca/ragchat/cmd"
)

func main() {
	cmd.Execute()
}

func init() {
	// .env is optional; real deployments pass the environment directly.
	_ = godotenv.Load()
}
