// Command prock runs the mock proxy and manages its routes.
package main

import "github.com/getmockd/prock/pkg/cli"

func main() {
	cli.Execute()
}
