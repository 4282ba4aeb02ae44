package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "recall"}

	root.AddCommand(serveCMD(), consolidateCMD(), migrateCMD(), routeCMD())
	_ = root.Execute()
}
