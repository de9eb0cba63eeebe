//go:build !no_psi

package main

import "pkt.systems/psi"

// psi reaps zombies and forwards signals when staticd runs as PID 1 in a
// container; otherwise it just runs submain.
func main() {
	psi.Run(submain)
}
