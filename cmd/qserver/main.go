// Command qserver runs an M/M/1 request/reply server on UDP, or simulates
// one together with its clients.
package main

import "github.com/sarchlab/qserver/cmd"

func main() {
	cmd.Execute()
}
