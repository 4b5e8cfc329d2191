/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/trackserver/trackserver/cmd"

func main() {
	cmd.Execute()
}
