package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `Two-party video calling over a duocall signaling relay

Usage: duocall [OPTION]...

Account:
  -u, --username=NAME  Account username (required)
  -p, --password=PASS  Account password (required; hashed before sending)
  -r, --register       Register the account before logging in

Relay:
  -s, --server=ADDR    Signaling relay address (default: localhost:4000)
  -t, --tls            Connect to the relay over TLS
  -k, --insecure       Accept a self-signed relay certificate

Calling:
  -c, --call=NAME      Username to call once logged in
  -a, --auto-accept    Accept incoming calls without prompting

Miscellaneous:
  -h, --help           Prints this help message and exits`

// Help information is printed and program exits
func help() {
	color.New(color.FgCyan).Println("duocall")
	fmt.Println(helpString)
}
