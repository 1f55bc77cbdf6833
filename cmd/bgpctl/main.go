// bgpctl -- command line client for the bgpctld control socket.
package main

import "github.com/dantte-lp/bgpctld/cmd/bgpctl/commands"

func main() {
	commands.Execute()
}
