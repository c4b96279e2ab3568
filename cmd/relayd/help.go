package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `Signaling relay for duocall two-party video calls

Usage: relayd [OPTION]...

Configuration:
  -c, --config=FILE          Relay configuration file (default: relayd.json)
                             JSON keys: bind_address, port, enable_tls,
                             pkcs12_path, pkcs12_password, user_file

Network:
  -n, --max-connections=NUM  Maximum concurrent client connections
                             (default: 1024)

Miscellaneous:
  -h, --help                 Prints this help message and exits`

// Help information is printed and program exits
func help() {
	color.New(color.FgCyan).Println("duocall relayd")
	fmt.Println(helpString)
}
