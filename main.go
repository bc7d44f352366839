package main

import "github.com/opencatalog/s3store/cmd"

func main() {
	cmd.Execute()
}
